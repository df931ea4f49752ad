// Package captcha verifies the challenge response sent with submissions.
package captcha

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFailed is returned when the response does not verify.
var ErrFailed = errors.New("invalid captcha")

// Verifier checks a captcha response submitted from remoteIP.
type Verifier interface {
	Verify(ctx context.Context, response, remoteIP string) error
}

// Disabled accepts every response.
type Disabled struct{}

func (Disabled) Verify(context.Context, string, string) error { return nil }

// StaticToken accepts exactly one shared token. Meant for private
// deployments and load tests.
type StaticToken struct {
	Token string
}

func (s StaticToken) Verify(_ context.Context, response, _ string) error {
	if response == "" || subtle.ConstantTimeCompare([]byte(response), []byte(s.Token)) != 1 {
		return ErrFailed
	}
	return nil
}

// DefaultVerifyURL is the reCAPTCHA siteverify endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// ReCaptcha checks responses against the reCAPTCHA siteverify API.
type ReCaptcha struct {
	secret    string
	verifyURL string
	client    *http.Client
}

// NewReCaptcha builds a verifier. An empty verifyURL uses DefaultVerifyURL.
func NewReCaptcha(secret, verifyURL string, client *http.Client) *ReCaptcha {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ReCaptcha{secret: secret, verifyURL: verifyURL, client: client}
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (r *ReCaptcha) Verify(ctx context.Context, response, remoteIP string) error {
	if response == "" {
		return ErrFailed
	}
	form := url.Values{"secret": {r.secret}, "response": {response}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("captcha verify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("captcha verify: unexpected status %d", resp.StatusCode)
	}
	var out siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("captcha verify: decode: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %s", ErrFailed, strings.Join(out.ErrorCodes, ","))
	}
	return nil
}

// New picks a verifier from configuration: "disabled", "static" or
// "recaptcha".
func New(mode, secret string) (Verifier, error) {
	switch strings.ToLower(mode) {
	case "", "disabled", "off":
		return Disabled{}, nil
	case "static":
		if secret == "" {
			return nil, errors.New("static captcha requires a token")
		}
		return StaticToken{Token: secret}, nil
	case "recaptcha":
		if secret == "" {
			return nil, errors.New("recaptcha requires a secret key")
		}
		return NewReCaptcha(secret, "", nil), nil
	default:
		return nil, fmt.Errorf("unknown captcha mode %q", mode)
	}
}
