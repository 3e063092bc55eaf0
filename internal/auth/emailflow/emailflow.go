package emailflow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sl "authcore/internal/lib/logger"
	"authcore/internal/lib/verification"
	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrUserExists       = errors.New("user already exists")
	ErrCodeInvalid      = errors.New("verification code invalid")
	ErrCodeExpired      = errors.New("verification code expired")
	ErrAttemptsExceeded = errors.New("verification attempts exceeded")
	ErrEmailSendFailed  = errors.New("failed to send verification email")
)

// ResendTooSoonError is returned by the explicit resend endpoint while the
// cooldown window is still open.
type ResendTooSoonError struct {
	SecondsRemaining int
}

func (e *ResendTooSoonError) Error() string {
	return fmt.Sprintf("resend requested too soon, retry in %d seconds", e.SecondsRemaining)
}

const (
	IntentLogin    = "login"
	IntentRegister = "register"
)

// Intent tells the client which UI to show for an email.
type Intent struct {
	Intent   string
	Provider models.Provider
}

type Store interface {
	UserByEmail(ctx context.Context, email string, includeDeleted bool) (models.User, error)
	AccountsByUser(ctx context.Context, userID uuid.UUID) ([]models.OAuthAccount, error)
	SaveCode(ctx context.Context, c models.EmailVerificationCode) error
	LatestCode(ctx context.Context, email string, purpose models.VerificationPurpose) (models.EmailVerificationCode, error)
	InvalidateActiveCodes(ctx context.Context, email string, purpose models.VerificationPurpose, now time.Time) error
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkCodeUsed(ctx context.Context, id uuid.UUID, now time.Time) error
}

type Publisher interface {
	SendMessage(ctx context.Context, msg models.Message) error
}

// Workflow runs the email-code registration state machine:
// none/expired -> active -> used, with an attempts counter.
type Workflow struct {
	log         *slog.Logger
	store       Store
	publisher   Publisher
	codeTTL     time.Duration
	cooldown    time.Duration
	maxAttempts int
	proofSecret string
	proofTTL    time.Duration
}

func New(
	log *slog.Logger,
	store Store,
	publisher Publisher,
	codeTTL, cooldown time.Duration,
	maxAttempts int,
	proofSecret string,
	proofTTL time.Duration,
) *Workflow {
	return &Workflow{
		log:         log,
		store:       store,
		publisher:   publisher,
		codeTTL:     codeTTL,
		cooldown:    cooldown,
		maxAttempts: maxAttempts,
		proofSecret: proofSecret,
		proofTTL:    proofTTL,
	}
}

// EmailIntent reports whether the email should go through the login or the
// registration UI. A password-less user gets register, with the linked
// provider surfaced as a hint.
func (w *Workflow) EmailIntent(ctx context.Context, email string) (Intent, error) {
	const op = "emailflow.EmailIntent"

	user, err := w.store.UserByEmail(ctx, email, false)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return Intent{Intent: IntentRegister}, nil
		}

		return Intent{}, fmt.Errorf("%s: %w", op, err)
	}

	if user.HasPassword() {
		return Intent{Intent: IntentLogin}, nil
	}

	intent := Intent{Intent: IntentRegister}

	accounts, err := w.store.AccountsByUser(ctx, user.ID)
	if err != nil {
		return Intent{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(accounts) > 0 {
		intent.Provider = accounts[0].Provider
	}

	return intent, nil
}

// Start begins (or idempotently re-requests) registration. Inside the
// cooldown window it reports alreadySent without dispatching a new code.
func (w *Workflow) Start(ctx context.Context, email string) (bool, error) {
	const op = "emailflow.Start"

	if err := w.checkRegistrable(ctx, email); err != nil {
		return false, err
	}

	remaining, err := w.cooldownRemaining(ctx, email)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if remaining > 0 {
		return true, nil
	}

	if err := w.issueCode(ctx, email); err != nil {
		return false, err
	}

	return false, nil
}

// Resend is the explicit user-initiated variant: a still-open cooldown is
// reported loudly with the seconds remaining instead of silently no-op'ing.
func (w *Workflow) Resend(ctx context.Context, email string) error {
	const op = "emailflow.Resend"

	if err := w.checkRegistrable(ctx, email); err != nil {
		return err
	}

	remaining, err := w.cooldownRemaining(ctx, email)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if remaining > 0 {
		return &ResendTooSoonError{SecondsRemaining: remaining}
	}

	return w.issueCode(ctx, email)
}

// VerifyCode checks a submitted code against the latest active record and,
// on success, returns the proof token for the completion call.
func (w *Workflow) VerifyCode(ctx context.Context, email, code string) (string, error) {
	const op = "emailflow.VerifyCode"

	log := w.log.With(slog.String("op", op))

	now := time.Now()

	record, err := w.store.LatestCode(ctx, email, models.PurposeRegister)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			return "", ErrCodeInvalid
		}

		return "", fmt.Errorf("%s: %w", op, err)
	}

	if record.Expired(now) {
		return "", ErrCodeExpired
	}

	if record.Attempts >= w.maxAttempts {
		return "", ErrAttemptsExceeded
	}

	want := record.CodeHash
	got := verification.HashCode(record.CodeSalt, code)

	if subtle.ConstantTimeCompare(got, want) != 1 {
		if _, err := w.store.IncrementAttempts(ctx, record.ID); err != nil &&
			!errors.Is(err, storage.ErrCodeNotFound) {
			log.Error("failed to increment attempts", sl.Err(err))
		}

		return "", ErrCodeInvalid
	}

	if err := w.store.MarkCodeUsed(ctx, record.ID, now); err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			// A concurrent verify won; the code is single-use.
			return "", ErrCodeInvalid
		}

		return "", fmt.Errorf("%s: %w", op, err)
	}

	proof, err := verification.NewProofToken(email, w.proofSecret, w.proofTTL)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("registration code verified")

	return proof, nil
}

// checkRegistrable rejects emails already owned by a password-bearing user.
func (w *Workflow) checkRegistrable(ctx context.Context, email string) error {
	const op = "emailflow.checkRegistrable"

	user, err := w.store.UserByEmail(ctx, email, false)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if user.HasPassword() {
		return ErrUserExists
	}

	return nil
}

func (w *Workflow) cooldownRemaining(ctx context.Context, email string) (int, error) {
	record, err := w.store.LatestCode(ctx, email, models.PurposeRegister)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			return 0, nil
		}

		return 0, err
	}

	now := time.Now()
	if !record.Active(now) {
		return 0, nil
	}

	until := record.CreatedAt.Add(w.cooldown)
	if now.Before(until) {
		return int(until.Sub(now).Seconds()) + 1, nil
	}

	return 0, nil
}

// issueCode invalidates any prior active code, persists a fresh one and
// dispatches it. A failed dispatch invalidates the just-created code: a
// code must never be active but undeliverable.
func (w *Workflow) issueCode(ctx context.Context, email string) error {
	const op = "emailflow.issueCode"

	log := w.log.With(slog.String("op", op))

	now := time.Now()

	if err := w.store.InvalidateActiveCodes(ctx, email, models.PurposeRegister, now); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	code, err := verification.NewCode()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	salt, err := verification.NewSalt()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	record := models.EmailVerificationCode{
		ID:        uuid.New(),
		Email:     email,
		Purpose:   models.PurposeRegister,
		CodeHash:  verification.HashCode(salt, code),
		CodeSalt:  salt,
		CreatedAt: now,
		ExpiresAt: now.Add(w.codeTTL),
	}

	if err := w.store.SaveCode(ctx, record); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := models.Message{
		Email:   email,
		Code:    code,
		Purpose: string(models.PurposeRegister),
	}

	if err := w.publisher.SendMessage(ctx, msg); err != nil {
		log.Error("failed to dispatch verification code", sl.Err(err))

		if invErr := w.store.InvalidateActiveCodes(ctx, email, models.PurposeRegister, time.Now()); invErr != nil {
			log.Error("failed to invalidate undeliverable code", sl.Err(invErr))
		}

		return ErrEmailSendFailed
	}

	log.Info("verification code dispatched")

	return nil
}
