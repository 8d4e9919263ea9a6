package worker

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/audience"
	"github.com/embermail/dispatch/internal/domain"
	"github.com/embermail/dispatch/internal/render"
	"github.com/embermail/dispatch/internal/store"
)

var stepCols = []string{"id", "sequence_id", "step_order", "subject", "content", "delay_days", "send_time", "is_active"}

func testRunner(t *testing.T, db *sql.DB, source audience.Source, provider *fakeProvider) *SequenceRunner {
	t.Helper()
	st := store.New(db)
	resolver := audience.NewResolver(source)
	renderer := render.New("https://mail.example.com/unsubscribe", "test-key", "unsub@example.com")
	sender := NewBatchSender(provider, 10, time.Second)
	sender.wait = noWait
	return NewSequenceRunner(st, resolver, renderer, sender, nil, "news@example.com", "Embermail", ModeAuto)
}

func TestSequenceRunner_EnrollmentIsIdempotent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	source := &fakeSource{
		contacts: []domain.Recipient{
			{Email: "alice@example.com", Name: "Alice"},
			{Email: "bob@example.com", Name: "Bob"},
		},
	}

	mock.ExpectQuery("SELECT (.+) FROM sequences").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "target_audience", "auto_enroll", "created_at", "updated_at"}).
			AddRow(seqID.String(), "Onboarding", "running", "all", true, now, now))

	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 1, "Welcome", "Hi {NAME}", 0, "09:00", true))

	// Both audience members already have executions: the diff yields nothing
	// and no insert may happen.
	mock.ExpectQuery("SELECT subscriber_email FROM sequence_executions").
		WillReturnRows(sqlmock.NewRows([]string{"subscriber_email"}).
			AddRow("alice@example.com").
			AddRow("Bob@Example.com")) // case differences must not re-enroll

	r := testRunner(t, db, source, newFakeProvider())
	r.now = func() time.Time { return now }

	if err := r.enroll(context.Background()); err != nil {
		t.Fatalf("enroll() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database writes: %v", err)
	}
}

func TestSequenceRunner_EnrollsNetNewSubscribers(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	source := &fakeSource{
		contacts: []domain.Recipient{
			{Email: "alice@example.com", Name: "Alice"},
			{Email: "carol@example.com", Name: "Carol"},
		},
	}

	mock.ExpectQuery("SELECT (.+) FROM sequences").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "target_audience", "auto_enroll", "created_at", "updated_at"}).
			AddRow(seqID.String(), "Onboarding", "running", "all", true, now, now))

	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 1, "Welcome", "Hi {NAME}", 0, "09:00", true))

	mock.ExpectQuery("SELECT subscriber_email FROM sequence_executions").
		WillReturnRows(sqlmock.NewRows([]string{"subscriber_email"}).
			AddRow("alice@example.com"))

	// Only carol is net-new: exactly one execution insert, starting at step 1.
	mock.ExpectExec("INSERT INTO sequence_executions").
		WithArgs(sqlmock.AnyArg(), seqID, "carol@example.com", "Carol",
			"active", 1, sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := testRunner(t, db, source, newFakeProvider())
	r.now = func() time.Time { return now }

	if err := r.enroll(context.Background()); err != nil {
		t.Fatalf("enroll() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSequenceRunner_AdvancesStepOnSuccess(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	execID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	due := store.DueExecution{
		SequenceExecution: domain.SequenceExecution{
			ID:              execID,
			SequenceID:      seqID,
			SubscriberEmail: "alice@example.com",
			SubscriberName:  "Alice",
			Status:          domain.ExecutionActive,
			CurrentStep:     1,
			EmailsSent:      0,
		},
		SequenceName: "Onboarding",
	}

	// Current step lookup.
	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 1, "Welcome", "Hi {NAME}", 0, "09:00", true))

	// Audit entry for the confirmed send.
	mock.ExpectExec("INSERT INTO sequence_logs").
		WithArgs(sqlmock.AnyArg(), execID, seqID, 1, "EMAIL_SENT", "Welcome", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Next step exists three days later: advance to step 2 at 09:00 + 3d.
	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 2, "Day three", "Still here {NAME}?", 3, "09:00", true))

	wantDue := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE sequence_executions").
		WithArgs(execID, 2, "active", wantDue, 1, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := testRunner(t, db, &fakeSource{}, newFakeProvider())
	r.now = func() time.Time { return now }

	result := r.processSequence(context.Background(), seqID, "Onboarding", []store.DueExecution{due})
	if result.EmailsSent != 1 {
		t.Errorf("emails sent = %d, want 1", result.EmailsSent)
	}
	if !result.Success || len(result.Errors) != 0 {
		t.Errorf("result = %+v, want clean success", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSequenceRunner_CompletesOnLastStep(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	execID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	due := store.DueExecution{
		SequenceExecution: domain.SequenceExecution{
			ID:              execID,
			SequenceID:      seqID,
			SubscriberEmail: "alice@example.com",
			Status:          domain.ExecutionActive,
			CurrentStep:     3,
			EmailsSent:      2,
		},
		SequenceName: "Onboarding",
	}

	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 3, "Goodbye", "Last one", 7, "09:00", true))

	mock.ExpectExec("INSERT INTO sequence_logs").
		WithArgs(sqlmock.AnyArg(), execID, seqID, 3, "EMAIL_SENT", "Goodbye", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// No step 4: the missing next step is the completion signal.
	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols))

	mock.ExpectExec("UPDATE sequence_executions").
		WithArgs(execID, 3, "completed", nil, 3, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := testRunner(t, db, &fakeSource{}, newFakeProvider())
	r.now = func() time.Time { return now }

	result := r.processSequence(context.Background(), seqID, "Onboarding", []store.DueExecution{due})
	if result.EmailsSent != 1 {
		t.Errorf("emails sent = %d, want 1", result.EmailsSent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSequenceRunner_FailedSendLeavesExecutionUntouched(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	execID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	due := store.DueExecution{
		SequenceExecution: domain.SequenceExecution{
			ID:              execID,
			SequenceID:      seqID,
			SubscriberEmail: "alice@example.com",
			Status:          domain.ExecutionActive,
			CurrentStep:     2,
		},
		SequenceName: "Onboarding",
	}

	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 2, "Day two", "content", 1, "09:00", true))

	// Only the failure audit row; no execution update may happen, so the
	// step and due date stay as they were and the next tick retries.
	mock.ExpectExec("INSERT INTO sequence_logs").
		WithArgs(sqlmock.AnyArg(), execID, seqID, 2, "EMAIL_FAILED", "Day two", "provider exploded").
		WillReturnResult(sqlmock.NewResult(1, 1))

	provider := newFakeProvider()
	provider.failFor["alice@example.com"] = errors.New("provider exploded")

	r := testRunner(t, db, &fakeSource{}, provider)
	r.now = func() time.Time { return now }

	result := r.processSequence(context.Background(), seqID, "Onboarding", []store.DueExecution{due})
	if result.EmailsSent != 0 {
		t.Errorf("emails sent = %d, want 0", result.EmailsSent)
	}
	if result.Success || len(result.Errors) != 1 {
		t.Errorf("result = %+v, want one recorded error", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSequenceRunner_MissingStepIsNoOp(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	due := store.DueExecution{
		SequenceExecution: domain.SequenceExecution{
			ID:              uuid.New(),
			SequenceID:      seqID,
			SubscriberEmail: "alice@example.com",
			Status:          domain.ExecutionActive,
			CurrentStep:     5,
		},
		SequenceName: "Onboarding",
	}

	// No active step with that order: nothing is sent, nothing is written.
	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols))

	provider := newFakeProvider()
	r := testRunner(t, db, &fakeSource{}, provider)
	r.now = func() time.Time { return now }

	result := r.processSequence(context.Background(), seqID, "Onboarding", []store.DueExecution{due})
	if result.EmailsSent != 0 || !result.Success {
		t.Errorf("result = %+v, want untouched no-op", result)
	}
	if provider.sentCount() != 0 {
		t.Errorf("provider deliveries = %d, want 0", provider.sentCount())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected writes: %v", err)
	}
}

func TestSequenceRunner_DryRunLogsSkipWithoutAdvancing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	execID := uuid.New()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	due := store.DueExecution{
		SequenceExecution: domain.SequenceExecution{
			ID:              execID,
			SequenceID:      seqID,
			SubscriberEmail: "alice@example.com",
			Status:          domain.ExecutionActive,
			CurrentStep:     1,
		},
		SequenceName: "Onboarding",
	}

	mock.ExpectQuery("SELECT (.+) FROM sequence_emails").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(uuid.New().String(), seqID.String(), 1, "Welcome", "Hi", 0, "09:00", true))

	mock.ExpectExec("INSERT INTO sequence_logs").
		WithArgs(sqlmock.AnyArg(), execID, seqID, 1, "EMAIL_SKIPPED", "Welcome", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	provider := newFakeProvider()
	provider.disabled = true

	r := testRunner(t, db, &fakeSource{}, provider)
	r.now = func() time.Time { return now }

	result := r.processSequence(context.Background(), seqID, "Onboarding", []store.DueExecution{due})
	if result.EmailsSent != 0 {
		t.Errorf("emails sent = %d, want 0 in dry-run", result.EmailsSent)
	}
	if !result.Success {
		t.Errorf("dry-run skip should not be reported as a failure: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
