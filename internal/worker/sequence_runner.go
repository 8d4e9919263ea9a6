package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/audience"
	"github.com/embermail/dispatch/internal/delivery"
	"github.com/embermail/dispatch/internal/domain"
	"github.com/embermail/dispatch/internal/pkg/distlock"
	"github.com/embermail/dispatch/internal/pkg/logger"
	"github.com/embermail/dispatch/internal/render"
	"github.com/embermail/dispatch/internal/store"
)

// SequenceRunner drives the drip-sequence state machines: it enrolls new
// audience members into running sequences, sends every execution whose next
// email is due, advances or completes each execution, and appends one audit
// log row per attempt.
type SequenceRunner struct {
	store    *store.Store
	resolver *audience.Resolver
	renderer *render.Renderer
	sender   *BatchSender
	lock     distlock.Lock

	fromEmail    string
	fromName     string
	scheduleMode string

	log *logger.Logger
	now func() time.Time
}

// NewSequenceRunner assembles a sequence runner. scheduleMode is one of
// ModeAuto, ModeProduction, ModeAccelerated; lock may be nil.
func NewSequenceRunner(st *store.Store, resolver *audience.Resolver, renderer *render.Renderer, sender *BatchSender, lock distlock.Lock, fromEmail, fromName, scheduleMode string) *SequenceRunner {
	return &SequenceRunner{
		store:        st,
		resolver:     resolver,
		renderer:     renderer,
		sender:       sender,
		lock:         lock,
		fromEmail:    fromEmail,
		fromName:     fromName,
		scheduleMode: scheduleMode,
		log:          logger.With("sequences"),
		now:          time.Now,
	}
}

// Run executes one sequence pass: enrollment first, then due executions
// grouped per sequence for reporting. Store failures before any execution is
// selected abort the pass; per-execution failures are logged and reported.
func (r *SequenceRunner) Run(ctx context.Context) (*domain.SequenceRunSummary, error) {
	startedAt := r.now()
	summary := &domain.SequenceRunSummary{Results: []domain.SequenceResult{}}

	if r.lock != nil {
		acquired, err := r.lock.TryAcquire(ctx)
		if err != nil {
			r.log.Warn("lock acquire failed, relying on guarded updates", "error", err)
		} else if !acquired {
			r.log.Info("sequence pass already running elsewhere, skipping")
			return summary, nil
		} else {
			defer r.lock.Release(ctx)
		}
	}

	if err := r.enroll(ctx); err != nil {
		return nil, err
	}

	due, err := r.store.DueExecutions(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("select due executions: %w", err)
	}

	// Group by sequence, preserving first-seen order for stable reporting.
	var order []uuid.UUID
	groups := make(map[uuid.UUID][]store.DueExecution)
	names := make(map[uuid.UUID]string)
	for _, d := range due {
		if _, seen := groups[d.SequenceID]; !seen {
			order = append(order, d.SequenceID)
			names[d.SequenceID] = d.SequenceName
		}
		groups[d.SequenceID] = append(groups[d.SequenceID], d)
	}

	errCount := 0
	for _, seqID := range order {
		result := r.processSequence(ctx, seqID, names[seqID], groups[seqID])
		summary.ProcessedSequences++
		summary.EmailsSent += result.EmailsSent
		summary.Results = append(summary.Results, result)
		if !result.Success {
			errCount++
		}
	}

	if err := r.store.RecordRun(ctx, "sequences", startedAt, r.now(), summary.ProcessedSequences, summary.EmailsSent, errCount); err != nil {
		r.log.Warn("record run failed", "error", err)
	}

	r.log.Info("sequence pass complete",
		"sequences", summary.ProcessedSequences, "sent", summary.EmailsSent, "failed", errCount)
	return summary, nil
}

// enroll adds net-new audience members to every running auto-enroll
// sequence. Idempotent: the diff against existing executions plus the unique
// constraint on (sequence, email) means re-running never duplicates.
func (r *SequenceRunner) enroll(ctx context.Context) error {
	seqs, err := r.store.RunningAutoEnrollSequences(ctx)
	if err != nil {
		return fmt.Errorf("select auto-enroll sequences: %w", err)
	}

	for i := range seqs {
		seq := &seqs[i]

		firstStep, err := r.store.SequenceEmail(ctx, seq.ID, 1)
		if err != nil {
			r.log.Error("first step lookup failed", "sequence", seq.ID, "error", err)
			continue
		}
		if firstStep == nil {
			// A sequence with no active first step cannot accept enrollees.
			continue
		}

		recipients, err := r.resolver.Resolve(ctx, audience.ForSegment(seq.TargetAudience))
		if err != nil {
			r.log.Error("audience resolution failed", "sequence", seq.ID, "error", err)
			continue
		}

		enrolled, err := r.store.EnrolledEmails(ctx, seq.ID)
		if err != nil {
			r.log.Error("enrolled set load failed", "sequence", seq.ID, "error", err)
			continue
		}

		created := 0
		for _, rcpt := range recipients {
			if _, ok := enrolled[strings.ToLower(rcpt.Email)]; ok {
				continue
			}
			due := NextEmailDue(r.scheduleMode, r.now(), firstStep.DelayDays, firstStep.SendTime)
			exec := &domain.SequenceExecution{
				ID:              uuid.New(),
				SequenceID:      seq.ID,
				SubscriberEmail: rcpt.Email,
				SubscriberName:  rcpt.Name,
				Status:          domain.ExecutionActive,
				CurrentStep:     1,
				NextEmailDue:    &due,
			}
			inserted, err := r.store.CreateExecution(ctx, exec)
			if err != nil {
				r.log.Warn("enrollment insert failed", "sequence", seq.ID, "subscriber", rcpt.Email, "error", err)
				continue
			}
			if inserted {
				created++
			}
		}
		if created > 0 {
			r.log.Info("enrolled subscribers", "sequence", seq.ID, "name", seq.Name, "count", created)
		}
	}
	return nil
}

// stepJob pairs a due execution with its resolved current step for batching.
type stepJob struct {
	exec store.DueExecution
	step *domain.SequenceEmail
}

// processSequence sends the due executions of one sequence through the
// batched sender. Each execution is still advanced independently; grouping
// only shapes logging and the summary.
func (r *SequenceRunner) processSequence(ctx context.Context, seqID uuid.UUID, seqName string, due []store.DueExecution) domain.SequenceResult {
	result := domain.SequenceResult{SequenceID: seqID, SequenceName: seqName, Success: true}

	jobs := make(map[string]*stepJob, len(due))
	var recipients []domain.Recipient
	for _, d := range due {
		step, err := r.store.SequenceEmail(ctx, seqID, d.CurrentStep)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: step lookup: %v", d.SubscriberEmail, err))
			result.Success = false
			continue
		}
		if step == nil {
			// Steps were removed or deactivated under the execution. Not an
			// error: leave the execution untouched.
			r.log.Info("no email found for step", "sequence", seqID, "subscriber", logger.RedactEmail(d.SubscriberEmail), "step", d.CurrentStep)
			continue
		}
		jobs[strings.ToLower(d.SubscriberEmail)] = &stepJob{exec: d, step: step}
		recipients = append(recipients, domain.Recipient{Email: d.SubscriberEmail, Name: d.SubscriberName})
	}
	if len(recipients) == 0 {
		return result
	}

	now := r.now()
	renderFn := func(rcpt domain.Recipient) (*delivery.Message, error) {
		job := jobs[strings.ToLower(rcpt.Email)]
		msg, err := r.renderer.SequenceStep(job.step, rcpt, now)
		if err != nil {
			return nil, err
		}
		return &delivery.Message{
			From:     r.fromEmail,
			FromName: r.fromName,
			To:       rcpt.Email,
			ToName:   rcpt.Name,
			Subject:  msg.Subject,
			HTML:     msg.HTML,
			Headers:  msg.Headers,
		}, nil
	}

	sent := r.sender.Send(ctx, recipients, renderFn, SendCallbacks{
		OnSent: func(rcpt domain.Recipient) {
			job := jobs[strings.ToLower(rcpt.Email)]
			if err := r.handleSent(ctx, job); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rcpt.Email, err))
				result.Success = false
			}
		},
		OnFailed: func(rcpt domain.Recipient, sendErr error) {
			job := jobs[strings.ToLower(rcpt.Email)]
			r.appendLog(ctx, job, domain.LogEmailFailed, sendErr.Error())
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rcpt.Email, sendErr))
			result.Success = false
		},
		OnSkipped: func(rcpt domain.Recipient) {
			// Dry-run mode: log the attempt, leave the execution due so a
			// configured deployment picks it up unchanged.
			job := jobs[strings.ToLower(rcpt.Email)]
			r.appendLog(ctx, job, domain.LogEmailSkipped, "")
		},
	})

	result.EmailsSent = sent
	return result
}

// handleSent records the audit entry for a confirmed send and advances the
// execution: step forward if a next step exists, completed otherwise.
// currentStep never decreases and a completed execution is never reselected.
func (r *SequenceRunner) handleSent(ctx context.Context, job *stepJob) error {
	r.appendLog(ctx, job, domain.LogEmailSent, "")

	now := r.now()
	exec := job.exec.SequenceExecution
	exec.EmailsSent++
	exec.LastEmailSent = &now

	nextStep, err := r.store.SequenceEmail(ctx, exec.SequenceID, job.exec.CurrentStep+1)
	if err != nil {
		return fmt.Errorf("next step lookup: %w", err)
	}

	if nextStep == nil {
		exec.Status = domain.ExecutionCompleted
		exec.CompletedAt = &now
		exec.NextEmailDue = nil
	} else {
		// Delays are cumulative from enrollment; the advance applied here is
		// the gap between consecutive steps.
		deltaDays := nextStep.DelayDays - job.step.DelayDays
		if deltaDays < 0 {
			deltaDays = 0
		}
		due := NextEmailDue(r.scheduleMode, now, deltaDays, nextStep.SendTime)
		exec.CurrentStep++
		exec.NextEmailDue = &due
	}

	if err := r.store.UpdateExecution(ctx, &exec); err != nil {
		return fmt.Errorf("advance execution: %w", err)
	}
	return nil
}

func (r *SequenceRunner) appendLog(ctx context.Context, job *stepJob, event, errMsg string) {
	entry := &domain.SequenceLog{
		ID:          uuid.New(),
		ExecutionID: job.exec.ID,
		SequenceID:  job.exec.SequenceID,
		StepOrder:   job.step.StepOrder,
		Event:       event,
		Subject:     job.step.Subject,
		Error:       errMsg,
	}
	if err := r.store.AppendSequenceLog(ctx, entry); err != nil {
		r.log.Error("audit log append failed", "execution", job.exec.ID, "event", event, "error", err)
	}
}
