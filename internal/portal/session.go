package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// sessionData is the on-disk shape of a persisted login: cookies, the
// session token header the portal issues after 2FA, and enough metadata
// to decide whether it is worth probing before a full relogin.
type sessionData struct {
	AppleID    string              `json:"apple_id"`
	Cookies    map[string][]*http.Cookie `json:"cookies"`
	SessionID  string              `json:"session_id"`
	SCNT       string              `json:"scnt"`
	TrustToken string              `json:"trust_token"`
	WidgetKey  string              `json:"widget_key"`
	SavedAt    time.Time           `json:"saved_at"`
}

func loadSession(path string) (*sessionData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess sessionData
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// acquireSessionLock takes the advisory file lock guarding sessionPath so
// that concurrent warpsign invocations against the same Apple ID don't
// race a login or a session-file write.
func (c *Client) acquireSessionLock(ctx context.Context) (bool, error) {
	if c.lock == nil {
		return false, nil
	}
	// The lock is polled every 200ms for at most 10s.
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := c.lock.TryLockContext(lockCtx, 200*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, ErrSessionLockHeld
		}
		return false, err
	}
	if !ok {
		return false, ErrSessionLockHeld
	}
	return true, nil
}

// ErrSessionLockHeld marks a session file whose advisory lock another
// invocation held past the acquisition budget.
var ErrSessionLockHeld = errors.New("session file locked by another invocation")

func (c *Client) releaseSessionLock(held bool) {
	if held && c.lock != nil {
		_ = c.lock.Unlock()
	}
}

func (c *Client) applySession(sess *sessionData) {
	u, _ := url.Parse(authEndpoint)
	for domain, cookies := range sess.Cookies {
		du := &url.URL{Scheme: "https", Host: domain}
		if du.Host == "" {
			du = u
		}
		c.jar.SetCookies(du, cookies)
	}
	c.session = sess
	if sess.WidgetKey != "" && !c.widgetKeyPinned {
		c.widgetKey = sess.WidgetKey
	}
}

// probeSession issues a cheap authenticated request to confirm a
// restored session is still accepted by the portal before trusting it.
func (c *Client) probeSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, portalBase+"/account/listTeams.action", nil)
	if err != nil {
		return err
	}
	c.decorate(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.New("portal: restored session rejected")
	}
	return nil
}

// persistSession atomically writes the current cookie jar and trust
// token to c.sessionPath (write to a temp file, then rename), matching
// the atomic-write pattern the root config package uses for its own
// persistence.
func (c *Client) persistSession(ctx context.Context) error {
	if c.sessionPath == "" {
		return nil
	}

	cookies := make(map[string][]*http.Cookie)
	authURL, _ := url.Parse(authEndpoint)
	portalURL, _ := url.Parse(portalBase)
	for _, u := range []*url.URL{authURL, portalURL} {
		if cs := c.jar.Cookies(u); len(cs) > 0 {
			cookies[u.Host] = cs
		}
	}

	sess := &sessionData{
		AppleID: c.AppleID,
		Cookies: cookies,
		SavedAt: time.Now(),
	}
	if c.session != nil {
		sess.SessionID = c.session.SessionID
		sess.SCNT = c.session.SCNT
		sess.TrustToken = c.session.TrustToken
		sess.WidgetKey = c.session.WidgetKey
	}

	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.sessionPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.sessionPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	c.session = sess
	return nil
}

// persistAfterResponse rewrites the session file after a portal response
// that may have rotated cookies, under a non-blocking advisory lock so a
// concurrent invocation's write is never interleaved. Skipped silently
// when another process holds the lock; that process will persist its own
// fresher cookies.
func (c *Client) persistAfterResponse() {
	if c.sessionPath == "" {
		return
	}
	if c.lock != nil {
		held, err := c.lock.TryLock()
		if err != nil || !held {
			return
		}
		defer c.lock.Unlock()
	}
	if err := c.persistSession(context.Background()); err != nil {
		c.log.Debug("session persist failed", zap.Error(err))
	}
}
