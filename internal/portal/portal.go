// Package portal is a typed client for Apple's Developer Portal: SRP-6a
// login, two-factor challenge, session persistence, and the
// team/identifier/capability/profile RPCs the rest of warpsign drives
// (spec section 4.1). Grounded closely on other_examples'
// icloud-reminders-cli auth.go, which authenticates against the sibling
// idmsa.apple.com / setup.icloud.com endpoints with the same cookie-jar +
// widget-key + 2FA shape.
package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/warpsign-dev/warpsign/internal/srp"
)

// State is the login state machine of spec section 4.1.
type State int

const (
	Anonymous State = iota
	SrpChallenging
	AwaitingSecondFactor
	TrustedSession
	Expired
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case SrpChallenging:
		return "srp-challenging"
	case AwaitingSecondFactor:
		return "awaiting-second-factor"
	case TrustedSession:
		return "trusted-session"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	authEndpoint  = "https://idmsa.apple.com/appleauth/auth"
	portalBase    = "https://developer.apple.com/services-account/v1"
	widgetKeyDefault = "dc20b49c65a6aa73d75e77d9b4cf4c25e30a4a99d4a43b14b8f5fe3e4b5c0c91"
)

// SecondFactorMode names the 2FA channel the portal offered.
type SecondFactorMode string

const (
	ModeTrustedDevice SecondFactorMode = "trustedDevice"
	ModeSMS           SecondFactorMode = "sms"
	ModeSecurityKey   SecondFactorMode = "securityKey"
)

// PromptFunc asks the caller for a second-factor code given the mode and a
// hint (e.g. a partially redacted phone number). Spec section 4.1 step 2.
type PromptFunc func(mode SecondFactorMode, hint string) (string, error)

// Client is a single Apple ID's authenticated session against the
// Developer Portal. One Client per run, held by the orchestrator and
// passed by value-like reference rather than a package-level singleton
// (spec section 9's module-singleton redesign flag).
type Client struct {
	AppleID   string
	password  string
	prompt    PromptFunc
	widgetKey string
	// widgetKeyPinned skips the auth bootstrap fetch when the caller set
	// the key explicitly via WithWidgetKey.
	widgetKeyPinned bool

	// onRetry, when set, is invoked once per portal request that needed a
	// retry, before its first retry, so the caller can surface a single
	// "retried" progress event.
	onRetry func(action string, attempt int)

	httpClient *http.Client
	jar        *cookiejar.Jar

	mu    sync.Mutex
	state State

	session *sessionData
	log     *zap.Logger

	sessionPath string
	lock        *flock.Flock

	// identifierLocks serialises mutations per bundle identifier, per
	// spec section 5: "portal mutations for a given identifier are
	// strictly serialised".
	identifierLocksMu sync.Mutex
	identifierLocks   map[string]*sync.Mutex
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger attaches a structured logger; the default is zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithWidgetKey pins the X-Apple-Widget-Key instead of fetching it from
// the auth bootstrap endpoint at login time.
func WithWidgetKey(key string) Option {
	return func(c *Client) {
		c.widgetKey = key
		c.widgetKeyPinned = true
	}
}

// WithRetryNotify registers a callback invoked once per portal request
// that needed a retry (before its first retry), used by the CLI to emit a
// single "retried" progress event per recovery.
func WithRetryNotify(fn func(action string, attempt int)) Option {
	return func(c *Client) { c.onRetry = fn }
}

// NewClient constructs a Client for appleID/password, persisting its
// session under sessionPath (guarded by an advisory flock per spec
// section 5).
func NewClient(appleID, password, sessionPath string, prompt PromptFunc, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("portal: creating cookie jar: %w", err)
	}
	c := &Client{
		AppleID:   appleID,
		password:  password,
		prompt:    prompt,
		widgetKey: widgetKeyDefault,
		jar:       jar,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		state:           Anonymous,
		log:             zap.NewNop(),
		sessionPath:     sessionPath,
		lock:            flock.New(sessionPath + ".lock"),
		identifierLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State reports the client's current position in the login state machine.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureLoggedIn reuses a persisted session if one is valid, otherwise
// performs a full SRP + 2FA login. Spec section 4.6 step 3: "Authenticate
// lazily: only if a step requires portal access."
func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	c.mu.Lock()
	if c.state == TrustedSession {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	locked, err := c.acquireSessionLock(ctx)
	if err != nil {
		return err
	}
	defer c.releaseSessionLock(locked)

	if sess, err := loadSession(c.sessionPath); err == nil {
		c.applySession(sess)
		if c.probeSession(ctx) == nil {
			c.log.Debug("reused persisted session", zap.String("apple_id", c.AppleID))
			c.setState(TrustedSession)
			return nil
		}
	}

	return c.fullLogin(ctx)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// relogin discards the current session and performs one fresh login,
// the "exactly one silent re-login" a 401/403 response permits.
func (c *Client) relogin(ctx context.Context) error {
	c.setState(Expired)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("portal: resetting cookie jar: %w", err)
	}
	c.jar = jar
	c.httpClient.Jar = jar
	c.session = nil
	if c.sessionPath != "" {
		os.Remove(c.sessionPath)
	}
	c.setState(Anonymous)

	locked, err := c.acquireSessionLock(ctx)
	if err != nil {
		return err
	}
	defer c.releaseSessionLock(locked)
	return c.fullLogin(ctx)
}

// fullLogin drives Anonymous -> SrpChallenging -> AwaitingSecondFactor ->
// TrustedSession (spec section 4.1).
func (c *Client) fullLogin(ctx context.Context) error {
	if err := c.fetchWidgetKey(ctx); err != nil {
		return err
	}
	c.setState(SrpChallenging)

	client, err := srp.NewClient(c.password)
	if err != nil {
		return fmt.Errorf("portal: %w", err)
	}

	init, err := c.authInit(ctx, client.PublicKey())
	if err != nil {
		return fmt.Errorf("portal: auth init: %w", err)
	}

	proof, err := client.ProcessChallenge(c.AppleID, srp.Challenge{
		Salt:       init.Salt,
		ServerB:    init.B,
		Iterations: init.Iterations,
		Algorithm:  srp.Algorithm(init.Algorithm),
	})
	if err != nil {
		return fmt.Errorf("portal: %w", err)
	}

	result, err := c.authComplete(ctx, init.SessionC, proof.M1)
	if err != nil {
		return fmt.Errorf("portal: auth complete: %w", err)
	}

	if result.needsSecondFactor {
		c.setState(AwaitingSecondFactor)
		if err := c.completeSecondFactor(ctx, result.mode, result.hint); err != nil {
			return err
		}
	}

	c.setState(TrustedSession)
	return c.persistSession(ctx)
}

func (c *Client) completeSecondFactor(ctx context.Context, mode SecondFactorMode, hint string) error {
	if c.prompt == nil {
		return fmt.Errorf("portal: two-factor required but no prompt callback configured")
	}
	code, err := c.prompt(mode, hint)
	if err != nil {
		return fmt.Errorf("portal: %w", err)
	}
	if err := c.submitTwoFactorCode(ctx, code); err != nil {
		return fmt.Errorf("portal: two-factor failed: %w", err)
	}
	return c.fetchTrustToken(ctx)
}

// correlationID returns a fresh request-correlation id, mirroring the
// grounding file's use of google/uuid for per-request ids the portal
// echoes back in diagnostic headers.
func correlationID() string {
	return uuid.NewString()
}

// lockForIdentifier returns the per-identifier mutex enforcing spec
// section 5's strict mutation ordering.
func (c *Client) lockForIdentifier(bundleID string) *sync.Mutex {
	c.identifierLocksMu.Lock()
	defer c.identifierLocksMu.Unlock()
	m, ok := c.identifierLocks[bundleID]
	if !ok {
		m = &sync.Mutex{}
		c.identifierLocks[bundleID] = m
	}
	return m
}
