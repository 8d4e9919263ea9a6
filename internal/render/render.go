// Package render produces the outbound HTML for campaign and sequence
// emails: placeholder substitution, the document shell, and the unsubscribe
// compliance link and headers.
package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/embermail/dispatch/internal/domain"
)

// shellTemplate wraps the raw campaign/step content into a full HTML
// document. Rendered with liquid so the shell can be swapped for a themed
// one without touching substitution logic.
const shellTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{ subject }}</title>
</head>
<body style="margin:0;padding:0;background-color:#f4f4f4;">
<div style="max-width:600px;margin:0 auto;padding:24px;background-color:#ffffff;font-family:Arial,Helvetica,sans-serif;color:#333333;line-height:1.6;">
{{ body }}
<hr style="border:none;border-top:1px solid #e0e0e0;margin-top:32px;">
<p style="font-size:12px;color:#888888;">
You are receiving this email because you subscribed to our list.<br>
<a href="{{ unsubscribe_url }}" style="color:#888888;">Unsubscribe</a> &middot; &copy; {{ year }}
</p>
</div>
</body>
</html>`

// Message is a fully rendered outbound email.
type Message struct {
	Subject string
	HTML    string
	Headers map[string]string
}

// Renderer renders per-recipient messages.
type Renderer struct {
	engine          *liquid.Engine
	unsubscribeBase string
	signingKey      string
	mailtoAddr      string
}

// New creates a renderer. unsubscribeBase is the URL prefix for one-click
// unsubscribe links; mailtoAddr receives mailto-form unsubscribe requests.
func New(unsubscribeBase, signingKey, mailtoAddr string) *Renderer {
	return &Renderer{
		engine:          liquid.NewEngine(),
		unsubscribeBase: strings.TrimRight(unsubscribeBase, "/"),
		signingKey:      signingKey,
		mailtoAddr:      mailtoAddr,
	}
}

// Campaign renders a campaign for one recipient, substituting {NAME},
// {DATE}, {MONTH} and {YEAR} and wrapping the content in the HTML shell.
func (r *Renderer) Campaign(c *domain.Campaign, rcpt domain.Recipient, now time.Time) (*Message, error) {
	vars := standardVars(rcpt, now)
	subject := Personalize(c.Subject, vars)
	body := Personalize(c.Content, vars)
	return r.build(subject, body, rcpt, now)
}

// SequenceStep renders one drip step for one recipient. Steps additionally
// support the {EMAIL} placeholder.
func (r *Renderer) SequenceStep(step *domain.SequenceEmail, rcpt domain.Recipient, now time.Time) (*Message, error) {
	vars := standardVars(rcpt, now)
	vars["{EMAIL}"] = rcpt.Email
	subject := Personalize(step.Subject, vars)
	body := Personalize(step.Content, vars)
	return r.build(subject, body, rcpt, now)
}

func (r *Renderer) build(subject, body string, rcpt domain.Recipient, now time.Time) (*Message, error) {
	unsubURL := r.UnsubscribeURL(rcpt.Email)

	html, err := r.engine.ParseAndRenderString(shellTemplate, liquid.Bindings{
		"subject":         subject,
		"body":            body,
		"unsubscribe_url": unsubURL,
		"year":            now.Year(),
	})
	if err != nil {
		return nil, fmt.Errorf("render html shell: %w", err)
	}

	return &Message{
		Subject: subject,
		HTML:    html,
		Headers: map[string]string{
			"List-Unsubscribe":      fmt.Sprintf("<mailto:%s?subject=unsubscribe>, <%s>", r.mailtoAddr, unsubURL),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}, nil
}

// UnsubscribeURL builds the signed per-recipient unsubscribe link.
func (r *Renderer) UnsubscribeURL(email string) string {
	return fmt.Sprintf("%s?email=%s&token=%s",
		r.unsubscribeBase, url.QueryEscape(email), r.Token(email))
}

// Token signs a recipient email for unsubscribe-link verification.
func (r *Renderer) Token(email string) string {
	mac := hmac.New(sha256.New, []byte(r.signingKey))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether a token matches an email, in constant time.
func (r *Renderer) VerifyToken(email, token string) bool {
	return hmac.Equal([]byte(r.Token(email)), []byte(token))
}

// Personalize replaces placeholder tags with per-recipient values. Unknown
// tags are left untouched.
func Personalize(content string, vars map[string]string) string {
	if content == "" {
		return content
	}
	result := content
	for tag, value := range vars {
		result = strings.ReplaceAll(result, tag, value)
	}
	return result
}

func standardVars(rcpt domain.Recipient, now time.Time) map[string]string {
	name := rcpt.Name
	if name == "" {
		name = "there"
	}
	return map[string]string{
		"{NAME}":  name,
		"{DATE}":  now.Format("January 2, 2006"),
		"{MONTH}": now.Format("January"),
		"{YEAR}":  now.Format("2006"),
	}
}
