package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Grant is what the identity provider hands back on sign-in or refresh.
type Grant struct {
	UID          string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration // zero when the provider didn't say
}

// Provider is the identity service the Manager talks to.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*Grant, error)
	SignUp(ctx context.Context, email, password string) (*Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
}

// IdentityToolkit is a Provider speaking the identity-toolkit REST shape:
// accounts:signInWithPassword, accounts:signUp and the securetoken refresh.
type IdentityToolkit struct {
	AuthURL    string // e.g. https://identitytoolkit.googleapis.com/v1
	TokenURL   string // e.g. https://securetoken.googleapis.com/v1
	APIKey     string
	HTTPClient *http.Client
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	LocalID      string `json:"localId"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresIn    string `json:"expires_in"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *IdentityToolkit) SignIn(ctx context.Context, email, password string) (*Grant, error) {
	return p.account(ctx, "signin", "accounts:signInWithPassword", email, password)
}

func (p *IdentityToolkit) SignUp(ctx context.Context, email, password string) (*Grant, error) {
	return p.account(ctx, "signup", "accounts:signUp", email, password)
}

func (p *IdentityToolkit) account(ctx context.Context, op, method, email, password string) (*Grant, error) {
	body := map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}
	var sr signInResponse
	if err := p.post(ctx, op, p.AuthURL+"/"+method, body, &sr); err != nil {
		return nil, err
	}
	return &Grant{
		UID:          sr.LocalID,
		IDToken:      sr.IDToken,
		RefreshToken: sr.RefreshToken,
		ExpiresIn:    parseSeconds(sr.ExpiresIn),
	}, nil
}

func (p *IdentityToolkit) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var rr refreshResponse
	if err := p.post(ctx, "refresh", p.TokenURL+"/token", body, &rr); err != nil {
		return nil, err
	}
	return &Grant{
		UID:          rr.UserID,
		IDToken:      rr.IDToken,
		RefreshToken: rr.RefreshToken,
		ExpiresIn:    parseSeconds(rr.ExpiresIn),
	}, nil
}

func (p *IdentityToolkit) post(ctx context.Context, op, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return &AuthError{Op: op, Message: "bad endpoint", Err: err}
	}
	q := u.Query()
	q.Set("key", p.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &AuthError{Op: op, Message: "identity provider unreachable", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &AuthError{Op: op, Message: "read response", Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		msg := resp.Status
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return &AuthError{
			Op:        op,
			Status:    resp.StatusCode,
			Message:   msg,
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &AuthError{Op: op, Message: "decode response", Err: err}
	}
	return nil
}

func (p *IdentityToolkit) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func parseSeconds(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// AuthError is a failed authentication step. Non-retryable errors mean the
// credential was rejected and the user must log in again.
type AuthError struct {
	Op        string // signin, signup, refresh, mailbox
	Status    int    // HTTP status, 0 for transport failures
	Message   string
	Retryable bool
	Err       error
}

func (e *AuthError) Error() string {
	s := "auth " + e.Op + ": " + e.Message
	if e.Status != 0 {
		s += " (" + strconv.Itoa(e.Status) + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a non-retryable authentication rejection.
func IsFatal(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && !ae.Retryable
}
