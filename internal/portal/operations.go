package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Team is a developer account team as returned by listTeams.
type Team struct {
	TeamID   string `json:"teamId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// Certificate is a signing certificate registered to the team.
type Certificate struct {
	ID          string `json:"certificateId"`
	Name        string `json:"name"`
	SerialNumber string `json:"serialNumber"`
	ExpirationDate string `json:"expirationDate"`
}

// AppIdentifier is an App ID registration.
type AppIdentifier struct {
	ID           string            `json:"identifier"`
	Name         string            `json:"name"`
	BundleID     string            `json:"bundleId"`
	Capabilities map[string]bool   `json:"capabilities"`
}

// AppGroup is an app group registration shared across identifiers.
type AppGroup struct {
	ID         string `json:"groupId"`
	Identifier string `json:"identifier"` // group.* reverse-DNS identifier
	Name       string `json:"name"`
}

// Device is a registered test device.
type Device struct {
	ID       string `json:"deviceId"`
	UDID     string `json:"udid"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// Profile is a provisioning profile.
type Profile struct {
	ID          string `json:"profileId"`
	Name        string `json:"name"`
	Identifier  string `json:"appIdId"`
	Type        string `json:"profileType"`
	ExpirationDate string `json:"expirationDate"`
	Content     []byte `json:"encodedProfile"`
}

// rateLimitDelay is the longer backoff a 429 triggers before the single
// permitted retry.
const rateLimitDelay = 60 * time.Second

func (c *Client) rpc(ctx context.Context, action string, body any, out any) error {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return fmt.Errorf("portal: %s: %w", action, err)
	}

	cfg := defaultRetryConfig()
	if c.onRetry != nil {
		notified := false
		cfg.notify = func(attempt int) {
			if notified {
				return
			}
			notified = true
			c.onRetry(action, attempt)
		}
	}
	attempt := func() error {
		return withRetry(ctx, cfg, func() error {
			resp, err := c.do(ctx, http.MethodPost, portalBase+"/"+action, body, out)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				return &statusError{code: resp.StatusCode}
			}
			return nil
		})
	}

	err := attempt()

	// A stale session surfaces as 401/403: exactly one silent re-login,
	// then the request is replayed; a second authentication failure is
	// fatal.
	var se *statusError
	if errors.As(err, &se) && se.unauthorized() {
		if relErr := c.relogin(ctx); relErr != nil {
			return fmt.Errorf("portal: %s: re-login after %v: %w", action, err, relErr)
		}
		err = attempt()
	}

	// Rate limiting gets one retry after a much longer backoff.
	if errors.As(err, &se) && se.rateLimited() {
		c.log.Warn("portal rate limited, backing off", zap.String("action", action))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rateLimitDelay):
		}
		err = attempt()
	}

	if err != nil {
		return fmt.Errorf("portal: %s: %w", action, err)
	}
	c.persistAfterResponse()
	return nil
}

// ListTeams returns every team the authenticated Apple ID belongs to.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var out struct {
		Teams []Team `json:"teams"`
	}
	if err := c.rpc(ctx, "account/listTeams.action", nil, &out); err != nil {
		return nil, err
	}
	return out.Teams, nil
}

// ListCertificates returns the team's signing certificates.
func (c *Client) ListCertificates(ctx context.Context, teamID string) ([]Certificate, error) {
	var out struct {
		Certificates []Certificate `json:"certRequests"`
	}
	if err := c.rpc(ctx, "certificate/listCertRequests.action", map[string]any{"teamId": teamID}, &out); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

// ListIdentifiers returns the App ID registrations for the team.
func (c *Client) ListIdentifiers(ctx context.Context, teamID string) ([]AppIdentifier, error) {
	var out struct {
		AppIDs []AppIdentifier `json:"appIds"`
	}
	if err := c.rpc(ctx, "identifiers/listAppIds.action", map[string]any{"teamId": teamID}, &out); err != nil {
		return nil, err
	}
	return out.AppIDs, nil
}

// CreateIdentifier registers a new App ID. Per-bundle-identifier
// mutations are serialised through lockForIdentifier so a concurrent
// orchestrator fan-out never races two creations of the same identifier.
func (c *Client) CreateIdentifier(ctx context.Context, teamID, bundleID, name string) (*AppIdentifier, error) {
	lock := c.lockForIdentifier(bundleID)
	lock.Lock()
	defer lock.Unlock()

	var out struct {
		AppID AppIdentifier `json:"appId"`
	}
	err := c.rpc(ctx, "identifiers/addAppId.action", map[string]any{
		"teamId":     teamID,
		"identifier": bundleID,
		"name":       name,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.AppID, nil
}

// UpdateIdentifierCapabilities enables or disables capabilities on an
// existing App ID, keyed by the capability keys in Config.CapabilityMap.
func (c *Client) UpdateIdentifierCapabilities(ctx context.Context, teamID, appIDID string, capabilities map[string]bool) error {
	return c.rpc(ctx, "identifiers/updateAppIdCapabilities.action", map[string]any{
		"teamId":       teamID,
		"appIdId":      appIDID,
		"capabilities": capabilities,
	}, nil)
}

// ListAppGroups returns the team's registered app groups.
func (c *Client) ListAppGroups(ctx context.Context, teamID string) ([]AppGroup, error) {
	var out struct {
		Groups []AppGroup `json:"applicationGroups"`
	}
	if err := c.rpc(ctx, "account/listApplicationGroups.action", map[string]any{"teamId": teamID}, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// CreateAppGroup registers a new app group identifier.
func (c *Client) CreateAppGroup(ctx context.Context, teamID, identifier, name string) (*AppGroup, error) {
	var out struct {
		Group AppGroup `json:"applicationGroup"`
	}
	err := c.rpc(ctx, "account/addApplicationGroup.action", map[string]any{
		"teamId":     teamID,
		"identifier": identifier,
		"name":       name,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Group, nil
}

// ListDevices returns the team's registered test devices.
func (c *Client) ListDevices(ctx context.Context, teamID string) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.rpc(ctx, "device/listDevices.action", map[string]any{"teamId": teamID}, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// ListProfiles returns the team's provisioning profiles.
func (c *Client) ListProfiles(ctx context.Context, teamID string) ([]Profile, error) {
	var out struct {
		Profiles []Profile `json:"provisioningProfiles"`
	}
	if err := c.rpc(ctx, "profile/listProvisioningProfiles.action", map[string]any{"teamId": teamID}, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// CreateProfile requests a new provisioning profile for appIDID, signed
// by certIDs and covering deviceIDs (empty for a distribution profile).
func (c *Client) CreateProfile(ctx context.Context, teamID, appIDID, name string, certIDs, deviceIDs []string) (*Profile, error) {
	var out struct {
		Profile Profile `json:"provisioningProfile"`
	}
	err := c.rpc(ctx, "profile/createProvisioningProfile.action", map[string]any{
		"teamId":        teamID,
		"appIdId":       appIDID,
		"name":          name,
		"certificateIds": certIDs,
		"deviceIds":     deviceIDs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Profile, nil
}

// DeleteProfile revokes an existing provisioning profile, used when a
// profile must be reissued after an identifier's entitlements change.
func (c *Client) DeleteProfile(ctx context.Context, teamID, profileID string) error {
	return c.rpc(ctx, "profile/deleteProvisioningProfile.action", map[string]any{
		"teamId":    teamID,
		"profileId": profileID,
	}, nil)
}
