package portal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
)

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("X-Apple-Widget-Key", c.widgetKey)
	req.Header.Set("X-Apple-I-Request-Context", correlationID())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.session != nil {
		if c.session.SessionID != "" {
			req.Header.Set("X-Apple-ID-Session-Id", c.session.SessionID)
		}
		if c.session.SCNT != "" {
			req.Header.Set("scnt", c.session.SCNT)
		}
	}
}

func (c *Client) do(ctx context.Context, method, url string, body any, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.captureSessionHeaders(resp)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, err
	}
	// 401/403/429 are handled by status at the rpc layer (re-login /
	// rate-limit backoff); any other body carrying serviceErrors or a
	// non-zero resultCode is a semantic failure and must not be retried.
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
	default:
		if svcErr := parseServiceError(raw); svcErr != nil {
			return resp, svcErr
		}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp, fmt.Errorf("portal: decoding response from %s: %w", url, err)
		}
	}
	return resp, nil
}

// parseServiceError extracts a semantic error from a response body that
// carries Apple's serviceErrors / resultCode envelope, or nil when the
// body reports success (or is not that shape at all).
func parseServiceError(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var envelope struct {
		ResultCode    int    `json:"resultCode"`
		ResultString  string `json:"resultString"`
		ServiceErrors []struct {
			Code    json.Number `json:"code"`
			Message string      `json:"message"`
			Title   string      `json:"title"`
		} `json:"serviceErrors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if len(envelope.ServiceErrors) > 0 {
		first := envelope.ServiceErrors[0]
		code64, _ := first.Code.Int64()
		msg := first.Message
		if msg == "" {
			msg = first.Title
		}
		return &ServiceError{Code: int(code64), Message: msg}
	}
	if envelope.ResultCode != 0 {
		return &ServiceError{Code: envelope.ResultCode, Message: envelope.ResultString}
	}
	return nil
}

func (c *Client) captureSessionHeaders(resp *http.Response) {
	if c.session == nil {
		c.session = &sessionData{AppleID: c.AppleID}
	}
	if v := resp.Header.Get("X-Apple-ID-Session-Id"); v != "" {
		c.session.SessionID = v
	}
	if v := resp.Header.Get("scnt"); v != "" {
		c.session.SCNT = v
	}
}

// bootstrapEndpoint is the developer services entry point whose config
// response carries the widget key every idmsa request must echo in
// X-Apple-Widget-Key.
const bootstrapEndpoint = "https://appstoreconnect.apple.com/olympus/v1/app/config?hostname=itunesconnect.apple.com"

// fetchWidgetKey obtains the X-Apple-Widget-Key from the auth bootstrap
// response, unless the caller pinned one via WithWidgetKey or a
// persisted session already carries it.
func (c *Client) fetchWidgetKey(ctx context.Context) error {
	if c.widgetKeyPinned {
		return nil
	}
	if c.session != nil && c.session.WidgetKey != "" {
		c.widgetKey = c.session.WidgetKey
		return nil
	}
	var out struct {
		AuthServiceKey string `json:"authServiceKey"`
	}
	resp, err := c.do(ctx, http.MethodGet, bootstrapEndpoint, nil, &out)
	if err != nil {
		return fmt.Errorf("portal: auth bootstrap: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.AuthServiceKey == "" {
		return fmt.Errorf("portal: auth bootstrap returned no widget key (status %d)", resp.StatusCode)
	}
	c.widgetKey = out.AuthServiceKey
	if c.session == nil {
		c.session = &sessionData{AppleID: c.AppleID}
	}
	c.session.WidgetKey = out.AuthServiceKey
	return nil
}

type initResponse struct {
	Salt       string `json:"salt"`
	B          string `json:"b"`
	Iteration  int    `json:"iteration"`
	Protocol   string `json:"protocol"`
	SessionC   string `json:"c"`
}

type parsedInit struct {
	Salt       []byte
	B          *big.Int
	Iterations int
	Algorithm  string
	SessionC   string
}

const (
	algoS2K   = "s2k"
	algoS2KFO = "s2k_fo"
)

func (c *Client) authInit(ctx context.Context, A *big.Int) (*parsedInit, error) {
	var resp initResponse
	_, err := c.do(ctx, http.MethodPost, authEndpoint+"/signin/init", map[string]any{
		"a":        base64.StdEncoding.EncodeToString(A.Bytes()),
		"accountName": c.AppleID,
		"protocols": []string{"s2k", "s2k_fo"},
	}, &resp)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(resp.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	bBytes, err := base64.StdEncoding.DecodeString(resp.B)
	if err != nil {
		return nil, fmt.Errorf("decoding B: %w", err)
	}
	algo := algoS2K
	if resp.Protocol == string(algoS2KFO) {
		algo = algoS2KFO
	}
	return &parsedInit{
		Salt:       salt,
		B:          new(big.Int).SetBytes(bBytes),
		Iterations: resp.Iteration,
		Algorithm:  algo,
		SessionC:   resp.SessionC,
	}, nil
}

type completeResult struct {
	needsSecondFactor bool
	mode              SecondFactorMode
	hint              string
}

func (c *Client) authComplete(ctx context.Context, sessionC string, m1 []byte) (*completeResult, error) {
	var out struct {
		AuthType string `json:"authType"`
		PhoneNumber struct {
			LastTwoDigits string `json:"lastTwoDigits"`
		} `json:"phoneNumber"`
	}
	resp, err := c.do(ctx, http.MethodPost, authEndpoint+"/signin/complete", map[string]any{
		"c": sessionC,
		"m1": base64.StdEncoding.EncodeToString(m1),
		"rememberMe": true,
	}, &out)
	if err != nil {
		return nil, err
	}

	result := &completeResult{}
	switch resp.StatusCode {
	case http.StatusOK:
		return result, nil
	case http.StatusConflict:
		result.needsSecondFactor = true
		switch out.AuthType {
		case "sms":
			result.mode = ModeSMS
			result.hint = out.PhoneNumber.LastTwoDigits
		case "hsa2":
			result.mode = ModeTrustedDevice
		default:
			result.mode = ModeTrustedDevice
		}
		return result, nil
	default:
		return nil, fmt.Errorf("portal: signin/complete returned %d", resp.StatusCode)
	}
}

// ErrTwoFactorRejected marks a second-factor code the portal refused,
// distinct from credential or transport failures so callers can offer a
// single re-entry.
var ErrTwoFactorRejected = errors.New("two-factor code rejected")

// IsTwoFactorRejected reports whether err is a refused 2FA code.
func IsTwoFactorRejected(err error) bool {
	return errors.Is(err, ErrTwoFactorRejected)
}

func (c *Client) submitTwoFactorCode(ctx context.Context, code string) error {
	const path = "/verify/trusteddevice/securitycode"
	resp, err := c.do(ctx, http.MethodPost, authEndpoint+path, map[string]any{
		"securityCode": map[string]string{"code": code},
	}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal: %w (status %d)", ErrTwoFactorRejected, resp.StatusCode)
	}
	return nil
}

func (c *Client) fetchTrustToken(ctx context.Context) error {
	var out struct {
		TrustToken string `json:"trustToken"`
	}
	_, err := c.do(ctx, http.MethodGet, authEndpoint+"/2sv/trust", nil, &out)
	if err != nil {
		return err
	}
	if c.session == nil {
		c.session = &sessionData{AppleID: c.AppleID}
	}
	c.session.TrustToken = out.TrustToken
	return nil
}
