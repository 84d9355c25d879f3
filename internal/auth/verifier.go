package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

// Verification defaults.
const (
	DefaultCodeTTL     = 10 * time.Minute
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

var codeSpace = big.NewInt(1_000_000)

// Notifier delivers a short text to a principal identified by external ID.
type Notifier interface {
	Send(ctx context.Context, externalID, text string) error
}

// Verifier issues and checks one-time login codes.
//
// Per key the state machine is NoCode -> CodeIssued -> {Verified | Expired |
// Invalid}. A mismatch leaves the code in place until maxAttempts wrong
// guesses have been made; zero disables the cap.
type Verifier struct {
	store       CodeStore
	notifier    Notifier
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	logger      Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithCodeTTL sets how long an issued code stays valid.
func WithCodeTTL(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.ttl = d
		}
	}
}

// WithMaxAttempts caps wrong guesses per code. Zero means unlimited.
func WithMaxAttempts(n int) VerifierOption {
	return func(v *Verifier) {
		if n >= 0 {
			v.maxAttempts = n
		}
	}
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithVerifierLogger sets the logger used for delivery failures and sweeps.
func WithVerifierLogger(l Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier creates a Verifier over an injected store and notifier.
func NewVerifier(store CodeStore, notifier Notifier, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:       store,
		notifier:    notifier,
		ttl:         DefaultCodeTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CodeTTL returns the lifetime of issued codes.
func (v *Verifier) CodeTTL() time.Duration { return v.ttl }

// Issue generates a code for key, stores it over any previous one and
// delivers it. When delivery fails the code is withdrawn and ErrDeliveryFailed
// is returned.
func (v *Verifier) Issue(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}

	now := v.now()
	issued := VerificationCode{Code: code, IssuedAt: now, ExpiresAt: now.Add(v.ttl)}
	v.store.Set(key, issued)

	text := fmt.Sprintf("Your login code is %s. It expires in %d minutes.", code, int(v.ttl.Minutes()))
	if err := v.notifier.Send(ctx, key, text); err != nil {
		// Only withdraw our own code; a newer Issue for the same key wins.
		v.store.Update(key, func(cur *VerificationCode) *VerificationCode {
			if cur != nil && cur.Code == issued.Code && cur.IssuedAt.Equal(issued.IssuedAt) {
				return nil
			}
			return cur
		})
		v.logger.Warn("verification code delivery failed", "external_id", key, "error", err)
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	return code, nil
}

// Verify checks submitted against the live code for key. Success and expiry
// both remove the code.
func (v *Verifier) Verify(_ context.Context, key, submitted string) error {
	now := v.now()
	var result error

	v.store.Update(key, func(cur *VerificationCode) *VerificationCode {
		if cur == nil {
			result = ErrNoCodeIssued
			return nil
		}
		if !now.Before(cur.ExpiresAt) {
			result = ErrCodeExpired
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(cur.Code), []byte(submitted)) != 1 {
			next := *cur
			next.Attempts++
			if v.maxAttempts > 0 && next.Attempts >= v.maxAttempts {
				result = ErrTooManyAttempts
				return nil
			}
			result = ErrCodeMismatch
			return &next
		}
		return nil
	})

	return result
}

// RunJanitor sweeps expired codes every interval until ctx is cancelled.
func (v *Verifier) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := v.store.DeleteExpired(v.now()); n > 0 {
				v.logger.Debug("expired verification codes swept", "count", n)
			}
		}
	}
}

// generateCode returns a uniformly random zero-padded 6-digit string.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generating verification code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
