package portal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Anonymous:            "anonymous",
		SrpChallenging:       "srp-challenging",
		AwaitingSecondFactor: "awaiting-second-factor",
		TrustedSession:       "trusted-session",
		Expired:              "expired",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewClientStartsAnonymous(t *testing.T) {
	dir := t.TempDir()
	c, err := NewClient("dev@example.com", "hunter2", filepath.Join(dir, "session.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != Anonymous {
		t.Fatalf("expected Anonymous, got %v", c.State())
	}
}

func TestPersistAndLoadSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	c, err := NewClient("dev@example.com", "hunter2", path, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.session = &sessionData{AppleID: "dev@example.com", TrustToken: "tok", SavedAt: time.Now()}

	if err := c.persistSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrustToken != "tok" {
		t.Fatalf("expected trust token to survive round trip, got %q", loaded.TrustToken)
	}
}

func TestLockForIdentifierReusesMutex(t *testing.T) {
	dir := t.TempDir()
	c, err := NewClient("dev@example.com", "hunter2", filepath.Join(dir, "session.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a := c.lockForIdentifier("com.example.app")
	b := c.lockForIdentifier("com.example.app")
	if a != b {
		t.Fatal("expected the same mutex for the same identifier")
	}
	other := c.lockForIdentifier("com.example.other")
	if a == other {
		t.Fatal("expected distinct mutexes for distinct identifiers")
	}
}

func TestWithRetryStopsOnNonTransientError(t *testing.T) {
	attempts := 0
	permanent := errors.New("bad request")
	err := withRetry(context.Background(), retryConfig{maxAttempts: 5, baseDelay: time.Millisecond, maxDelay: time.Millisecond, backoff: 1}, func() error {
		attempts++
		return permanent
	})
	if err != permanent {
		t.Fatalf("expected the permanent error to propagate, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-transient error, got %d", attempts)
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := retryConfig{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: time.Millisecond, backoff: 1}
	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return &timeoutError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestWithRetryRetriesServerErrors(t *testing.T) {
	attempts := 0
	notified := 0
	cfg := retryConfig{maxAttempts: 5, baseDelay: time.Millisecond, maxDelay: time.Millisecond, backoff: 1,
		notify: func(int) { notified++ }}
	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return &statusError{code: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery after 503s, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if notified != 2 {
		t.Fatalf("expected 2 retry notifications, got %d", notified)
	}
}

func TestWithRetryDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	cfg := retryConfig{maxAttempts: 5, baseDelay: time.Millisecond, maxDelay: time.Millisecond, backoff: 1}
	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		return &statusError{code: 403}
	})
	var se *statusError
	if !errors.As(err, &se) || !se.unauthorized() {
		t.Fatalf("expected the 403 to surface unmodified, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a 403, got %d", attempts)
	}
}

func TestParseServiceError(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"serviceErrors array", `{"serviceErrors":[{"code":"-20101","message":"bad credentials"}]}`, -20101},
		{"bare resultCode", `{"resultCode":-22938,"resultString":"profile invalid"}`, -22938},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := parseServiceError([]byte(tc.body))
			var svc *ServiceError
			if !errors.As(err, &svc) {
				t.Fatalf("expected a ServiceError, got %v", err)
			}
			if svc.Code != tc.code {
				t.Fatalf("code = %d, want %d", svc.Code, tc.code)
			}
			if isTransientError(err) {
				t.Fatal("service errors must never be retried")
			}
		})
	}
	if err := parseServiceError([]byte(`{"teams":[]}`)); err != nil {
		t.Fatalf("success body misread as error: %v", err)
	}
	if err := parseServiceError([]byte(`not json`)); err != nil {
		t.Fatalf("non-JSON body misread as error: %v", err)
	}
}

func TestJitteredStaysWithinSpread(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := jittered(base, 0.25)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside +-25%% of %v", d, base)
		}
	}
}
