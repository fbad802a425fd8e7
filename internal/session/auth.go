package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"ring-go-home/internal/metrics"
)

// RefreshLead is how long before token expiry the proactive refresh fires.
const RefreshLead = 20 * time.Second

// minRefreshDelay keeps a server returning tiny expiries from spinning.
const minRefreshDelay = 5 * time.Second

// Result is the outcome of an authentication attempt.
type Result int

const (
	ResultFailure Result = iota
	ResultAccessToken
	ResultChallengeRequired
)

func (r Result) String() string {
	switch r {
	case ResultAccessToken:
		return "access_token"
	case ResultChallengeRequired:
		return "challenge_required"
	default:
		return "failure"
	}
}

// Config holds the grant endpoint and account settings.
type Config struct {
	TokenURL   string
	SessionURL string
	ClientID   string
	Scope      string
	Username   string
	Password   string
	TwoFactor  bool
	UserAgent  string
	HTTPClient *http.Client
}

// Authenticator runs the password / refresh-token grant state machine on
// top of a Session.
type Authenticator struct {
	cfg     Config
	oauth   *oauth2.Config
	session *Session
	client  *http.Client
	logger  *slog.Logger
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stopRefresh func() bool

	// Overridable in tests.
	afterFunc func(d time.Duration, f func()) func() bool
	now       func() time.Time
}

// NewAuthenticator creates an authenticator bound to a session.
func NewAuthenticator(cfg Config, sess *Session, logger *slog.Logger) *Authenticator {
	if cfg.ClientID == "" {
		cfg.ClientID = "ring_official_android"
	}
	if cfg.Scope == "" {
		cfg.Scope = "client"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Authenticator{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   []string{cfg.Scope},
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		session: sess,
		client:  client,
		logger:  logger.With("component", "auth"),
		ctx:     ctx,
		cancel:  cancel,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		now: time.Now,
	}
}

// Stop cancels the scheduled proactive refresh.
func (a *Authenticator) Stop() {
	a.cancel()
	a.mu.Lock()
	if a.stopRefresh != nil {
		a.stopRefresh()
		a.stopRefresh = nil
	}
	a.mu.Unlock()
}

// Login is the explicit user action: it lifts any hold and runs a grant,
// sending the two-factor code when one is given.
func (a *Authenticator) Login(ctx context.Context, twoFactorCode string) (Result, error) {
	a.session.Release()
	return a.Authenticate(ctx, twoFactorCode)
}

// Authenticate obtains a fresh access token. Without a code, concurrent
// callers share a single grant.
func (a *Authenticator) Authenticate(ctx context.Context, twoFactorCode string) (Result, error) {
	if twoFactorCode != "" {
		return a.authenticate(ctx, twoFactorCode)
	}
	v, err, _ := a.group.Do("grant", func() (any, error) {
		return a.authenticate(ctx, "")
	})
	res, _ := v.(Result)
	return res, err
}

// Reauthenticate satisfies the dispatcher's 401 recovery hook.
func (a *Authenticator) Reauthenticate(ctx context.Context) error {
	res, err := a.Authenticate(ctx, "")
	if err != nil {
		return err
	}
	if res != ResultAccessToken {
		return ErrAuthFailed
	}
	return nil
}

func (a *Authenticator) authenticate(ctx context.Context, code string) (Result, error) {
	refresh := a.session.RefreshToken()
	useRefresh := refresh != "" && code == ""

	if !useRefresh {
		if held, reason := a.session.Held(); held && code == "" {
			if a.session.TwoFactorPending() {
				return ResultChallengeRequired, ErrChallengeRequired
			}
			return ResultFailure, fmt.Errorf("%w: %s", ErrRequestsHeld, reason)
		}
		if a.cfg.Username == "" || a.cfg.Password == "" {
			return ResultFailure, fmt.Errorf("%w: no stored credentials", ErrAuthFailed)
		}
	}

	grant := "password"
	if useRefresh {
		grant = "refresh_token"
	}

	hctx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Timeout:   a.client.Timeout,
		Transport: &headerTransport{base: a.client.Transport, headers: a.grantHeaders(code)},
	})

	var (
		tok *oauth2.Token
		err error
	)
	if useRefresh {
		tok, err = a.oauth.TokenSource(hctx, &oauth2.Token{RefreshToken: refresh}).Token()
	} else {
		tok, err = a.oauth.PasswordCredentialsToken(hctx, a.cfg.Username, a.cfg.Password)
	}
	if err != nil {
		res, gerr := a.handleGrantError(grant, err)
		metrics.AuthGrants.WithLabelValues(grant, res.String()).Inc()
		return res, gerr
	}

	a.session.SetFromGrant(tok.AccessToken, tok.RefreshToken, tok.Expiry)
	a.logger.Info("token granted", "grant", grant, "expires_at", tok.Expiry)

	if !useRefresh || a.session.AuthenticationToken() == "" {
		if err := a.createSession(ctx, tok.AccessToken); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				a.session.ClearAll()
				metrics.AuthGrants.WithLabelValues(grant, ResultFailure.String()).Inc()
				return ResultFailure, err
			}
			a.logger.Warn("session registration failed", "err", err)
		}
	}

	a.scheduleRefresh(tok.Expiry)
	metrics.AuthGrants.WithLabelValues(grant, ResultAccessToken.String()).Inc()
	return ResultAccessToken, nil
}

func (a *Authenticator) grantHeaders(code string) map[string]string {
	h := map[string]string{
		"hardware_id": a.session.HardwareID(),
	}
	if a.cfg.UserAgent != "" {
		h["User-Agent"] = a.cfg.UserAgent
	}
	if a.cfg.TwoFactor || code != "" {
		h["2fa-support"] = "true"
		h["2fa-code"] = code
	}
	return h
}

func (a *Authenticator) handleGrantError(grant string, err error) (Result, error) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		a.logger.Error("token grant failed", "grant", grant, "err", err)
		return ResultFailure, fmt.Errorf("token grant: %w", err)
	}

	status := re.Response.StatusCode
	switch status {
	case http.StatusPreconditionFailed:
		a.session.ClearAll()
		a.session.Hold("two-factor code required", true)
		a.logger.Warn("two-factor challenge", "grant", grant, "body", string(re.Body))
		return ResultChallengeRequired, ErrChallengeRequired
	case http.StatusTooManyRequests:
		a.session.ClearAll()
		a.session.Hold("rate limited", false)
		a.logger.Error("token grant rate limited, holding requests", "grant", grant)
		return ResultFailure, ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		a.session.ClearAll()
		a.logger.Error("invalid credentials", "grant", grant, "status", status)
		return ResultFailure, fmt.Errorf("%w: grant status %d", ErrAuthFailed, status)
	default:
		a.logger.Error("token grant failed", "grant", grant, "status", status)
		return ResultFailure, fmt.Errorf("token grant: status %d", status)
	}
}

// sessionRequest is the legacy client session registration body.
type sessionRequest struct {
	Device sessionDevice `json:"device"`
}

type sessionDevice struct {
	HardwareID string         `json:"hardware_id"`
	OS         string         `json:"os"`
	Metadata   map[string]any `json:"metadata"`
}

type sessionResponse struct {
	Profile struct {
		AuthenticationToken string `json:"authentication_token"`
	} `json:"profile"`
}

// createSession registers the hardware id with the vendor and captures the
// legacy authentication token.
func (a *Authenticator) createSession(ctx context.Context, accessToken string) error {
	if a.cfg.SessionURL == "" {
		return nil
	}
	body, err := json.Marshal(sessionRequest{Device: sessionDevice{
		HardwareID: a.session.HardwareID(),
		OS:         "android",
		Metadata:   map[string]any{"api_version": 11, "device_model": "ring-go-home"},
	}})
	if err != nil {
		return fmt.Errorf("marshal session request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.SessionURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("hardware_id", a.session.HardwareID())
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: session status %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("session request: status %d", resp.StatusCode)
	}

	var sr sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	a.session.SetAuthenticationToken(sr.Profile.AuthenticationToken)
	return nil
}

// refreshDelay is the wait before rotating a token that expires at expiry.
func (a *Authenticator) refreshDelay(expiry time.Time) time.Duration {
	d := expiry.Sub(a.now()) - RefreshLead
	if d < minRefreshDelay {
		d = minRefreshDelay
	}
	return d
}

func (a *Authenticator) scheduleRefresh(expiry time.Time) {
	if expiry.IsZero() {
		return
	}
	delay := a.refreshDelay(expiry)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return
	}
	if a.stopRefresh != nil {
		a.stopRefresh()
	}
	a.stopRefresh = a.afterFunc(delay, a.proactiveRefresh)
	a.logger.Debug("token refresh scheduled", "in", delay)
}

func (a *Authenticator) proactiveRefresh() {
	ctx, cancel := context.WithTimeout(a.ctx, time.Minute)
	defer cancel()
	res, err := a.Authenticate(ctx, "")
	if err != nil {
		a.logger.Warn("proactive token refresh failed", "result", res.String(), "err", err)
		return
	}
	a.logger.Info("token rotated")
}

// headerTransport adds fixed headers to every grant request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
