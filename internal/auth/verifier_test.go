package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeNotifier records deliveries and fails when err is set.
type fakeNotifier struct {
	mu     sync.Mutex
	err    error
	sent   map[string][]string
	onSend func()
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[string][]string)}
}

func (n *fakeNotifier) Send(_ context.Context, externalID, text string) error {
	n.mu.Lock()
	hook := n.onSend
	err := n.err
	if err == nil {
		n.sent[externalID] = append(n.sent[externalID], text)
	}
	n.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (n *fakeNotifier) last(externalID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[externalID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func TestVerifier_IssueDeliversCode(t *testing.T) {
	n := newFakeNotifier()
	v := NewVerifier(NewMemoryCodeStore(), n)

	code, err := v.Issue(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !sixDigits.MatchString(code) {
		t.Errorf("Issue() = %q, want 6 digits", code)
	}
	if msg := n.last("tg-1"); !strings.Contains(msg, code) || !strings.Contains(msg, "10 minutes") {
		t.Errorf("delivered text = %q, want code and lifetime", msg)
	}
}

func TestVerifier_SuccessIsSingleUse(t *testing.T) {
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier())
	ctx := context.Background()

	code, err := v.Issue(ctx, "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := v.Verify(ctx, "tg-1", code); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := v.Verify(ctx, "tg-1", code); !errors.Is(err, ErrNoCodeIssued) {
		t.Errorf("second Verify() error = %v, want ErrNoCodeIssued", err)
	}
}

func TestVerifier_NoCodeIssued(t *testing.T) {
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier())

	err := v.Verify(context.Background(), "tg-never", "123456")
	if !errors.Is(err, ErrNoCodeIssued) || !errors.Is(err, ErrInvalidVerificationState) {
		t.Errorf("Verify() error = %v, want ErrNoCodeIssued wrapping ErrInvalidVerificationState", err)
	}
}

func TestVerifier_MismatchDoesNotConsume(t *testing.T) {
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier())
	ctx := context.Background()

	code, err := v.Issue(ctx, "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := v.Verify(ctx, "tg-1", wrongCode(code)); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("Verify(wrong) error = %v, want ErrCodeMismatch", err)
	}
	if err := v.Verify(ctx, "tg-1", code); err != nil {
		t.Errorf("Verify(correct after mismatch) error = %v, want nil", err)
	}
}

func TestVerifier_MaxAttempts(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		mismatches  int
	}{
		{"single attempt", 1, 0},
		{"default cap", DefaultMaxAttempts, DefaultMaxAttempts - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier(), WithMaxAttempts(tt.maxAttempts))
			ctx := context.Background()

			code, err := v.Issue(ctx, "tg-1")
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}
			for i := 0; i < tt.mismatches; i++ {
				if err := v.Verify(ctx, "tg-1", wrongCode(code)); !errors.Is(err, ErrCodeMismatch) {
					t.Fatalf("Verify() attempt %d error = %v, want ErrCodeMismatch", i+1, err)
				}
			}
			if err := v.Verify(ctx, "tg-1", wrongCode(code)); !errors.Is(err, ErrTooManyAttempts) {
				t.Fatalf("Verify() at cap error = %v, want ErrTooManyAttempts", err)
			}
			if err := v.Verify(ctx, "tg-1", code); !errors.Is(err, ErrNoCodeIssued) {
				t.Errorf("Verify(correct after cap) error = %v, want ErrNoCodeIssued", err)
			}
		})
	}
}

func TestVerifier_UnlimitedAttempts(t *testing.T) {
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier(), WithMaxAttempts(0))
	ctx := context.Background()

	code, err := v.Issue(ctx, "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := v.Verify(ctx, "tg-1", wrongCode(code)); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("Verify() attempt %d error = %v, want ErrCodeMismatch", i+1, err)
		}
	}
	if err := v.Verify(ctx, "tg-1", code); err != nil {
		t.Errorf("Verify(correct) error = %v", err)
	}
}

func TestVerifier_ExpiredCodeIsPurged(t *testing.T) {
	clock := newFakeClock()
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier(), WithVerifierClock(clock.Now))
	ctx := context.Background()

	code, err := v.Issue(ctx, "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(DefaultCodeTTL)
	if err := v.Verify(ctx, "tg-1", code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("Verify(at expiry) error = %v, want ErrCodeExpired", err)
	}
	if err := v.Verify(ctx, "tg-1", code); !errors.Is(err, ErrNoCodeIssued) {
		t.Errorf("Verify(after purge) error = %v, want ErrNoCodeIssued", err)
	}
}

func TestVerifier_LastIssueWins(t *testing.T) {
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier())
	ctx := context.Background()

	first, err := v.Issue(ctx, "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	second, err := v.Issue(ctx, "tg-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if first != second {
		if err := v.Verify(ctx, "tg-1", first); !errors.Is(err, ErrCodeMismatch) {
			t.Errorf("Verify(first) error = %v, want ErrCodeMismatch", err)
		}
	}
	if err := v.Verify(ctx, "tg-1", second); err != nil {
		t.Errorf("Verify(second) error = %v", err)
	}
}

func TestVerifier_DeliveryFailureWithdrawsCode(t *testing.T) {
	store := NewMemoryCodeStore()
	n := newFakeNotifier()
	n.err = errors.New("chat not found")
	logger := &recordingLogger{}
	v := NewVerifier(store, n, WithVerifierLogger(logger))

	_, err := v.Issue(context.Background(), "tg-1")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Issue() error = %v, want ErrDeliveryFailed", err)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d codes after failed delivery, want 0", store.Len())
	}
	if !logger.has("warn: verification code delivery failed") {
		t.Error("delivery failure was not logged")
	}
}

func TestVerifier_DeliveryFailureKeepsNewerCode(t *testing.T) {
	store := NewMemoryCodeStore()
	clock := newFakeClock()
	n := newFakeNotifier()
	n.err = errors.New("timeout")
	v := NewVerifier(store, n, WithVerifierClock(clock.Now))

	// A newer code lands while the first delivery is in flight.
	newer := VerificationCode{Code: "654321", IssuedAt: clock.t.Add(time.Second), ExpiresAt: clock.t.Add(time.Hour)}
	n.onSend = func() { store.Set("tg-1", newer) }

	if _, err := v.Issue(context.Background(), "tg-1"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Issue() error = %v, want ErrDeliveryFailed", err)
	}
	if err := v.Verify(context.Background(), "tg-1", "654321"); err != nil {
		t.Errorf("Verify(newer code) error = %v, want nil", err)
	}
}

func TestVerifier_JanitorSweepsExpired(t *testing.T) {
	store := NewMemoryCodeStore()
	now := time.Now()
	store.Set("stale", VerificationCode{Code: "111111", ExpiresAt: now.Add(-time.Minute)})
	store.Set("live", VerificationCode{Code: "222222", ExpiresAt: now.Add(time.Hour)})

	v := NewVerifier(store, newFakeNotifier())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("store holds %d codes, want 1 after sweep", store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestResilience_ConcurrentVerifyAcceptsOnce(t *testing.T) {
	v := NewVerifier(NewMemoryCodeStore(), newFakeNotifier())
	ctx := context.Background()

	code, err := v.Issue(ctx, "tg-race")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- v.Verify(ctx, "tg-race", code)
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrNoCodeIssued):
			t.Errorf("Verify() error = %v, want nil or ErrNoCodeIssued", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d concurrent verifications succeeded, want exactly 1", ok)
	}
}

// wrongCode returns a 6-digit code different from code.
func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}
