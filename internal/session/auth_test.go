package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// tokenServer fakes the vendor OAuth and legacy session endpoints.
type tokenServer struct {
	*httptest.Server

	mu            sync.Mutex
	grants        []url.Values
	headers       []http.Header
	status        int
	issued        int
	sessionStatus int
	sessionAuth   []string
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		ts.grants = append(ts.grants, r.PostForm)
		ts.headers = append(ts.headers, r.Header.Clone())
		status := ts.status
		if status == 0 {
			ts.issued++
		}
		n := ts.issued
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"denied"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("access-%d", n),
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("POST /clients_api/session", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.sessionAuth = append(ts.sessionAuth, r.Header.Get("Authorization"))
		status := ts.sessionStatus
		ts.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"profile":{"authentication_token":"legacy-token"}}`)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) setStatus(code int) {
	ts.mu.Lock()
	ts.status = code
	ts.mu.Unlock()
}

func (ts *tokenServer) grantCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.grants)
}

func (ts *tokenServer) grant(i int) (url.Values, http.Header) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.grants[i], ts.headers[i]
}

type scheduled struct {
	delay time.Duration
	fn    func()
}

type timerLog struct {
	mu    sync.Mutex
	calls []scheduled
}

func (tl *timerLog) afterFunc(d time.Duration, f func()) func() bool {
	tl.mu.Lock()
	tl.calls = append(tl.calls, scheduled{delay: d, fn: f})
	tl.mu.Unlock()
	return func() bool { return true }
}

func (tl *timerLog) last(t *testing.T) scheduled {
	t.Helper()
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.calls) == 0 {
		t.Fatal("no refresh scheduled")
	}
	return tl.calls[len(tl.calls)-1]
}

func newTestAuth(t *testing.T, ts *tokenServer, twoFactor bool) (*Authenticator, *Session, *timerLog) {
	t.Helper()
	sess, err := Load(&memStore{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	a := NewAuthenticator(Config{
		TokenURL:   ts.URL + "/oauth/token",
		SessionURL: ts.URL + "/clients_api/session",
		Username:   "user@example.com",
		Password:   "secret",
		TwoFactor:  twoFactor,
		UserAgent:  "android:com.ringapp",
	}, sess, testLogger())
	tl := &timerLog{}
	a.afterFunc = tl.afterFunc
	t.Cleanup(a.Stop)
	return a, sess, tl
}

func TestPasswordLogin(t *testing.T) {
	ts := newTokenServer(t)
	a, sess, _ := newTestAuth(t, ts, false)

	res, err := a.Login(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultAccessToken {
		t.Fatalf("result = %v, want access_token", res)
	}
	if sess.AccessToken() != "access-1" || sess.RefreshToken() != "refresh-1" {
		t.Errorf("tokens = %q/%q", sess.AccessToken(), sess.RefreshToken())
	}
	if sess.AuthenticationToken() != "legacy-token" {
		t.Errorf("authentication token = %q, want legacy-token", sess.AuthenticationToken())
	}

	form, hdr := ts.grant(0)
	if form.Get("grant_type") != "password" {
		t.Errorf("grant_type = %q, want password", form.Get("grant_type"))
	}
	if form.Get("username") != "user@example.com" {
		t.Errorf("username = %q", form.Get("username"))
	}
	if form.Get("client_id") != "ring_official_android" {
		t.Errorf("client_id = %q", form.Get("client_id"))
	}
	if hdr.Get("hardware_id") != sess.HardwareID() {
		t.Errorf("hardware_id header = %q, want %q", hdr.Get("hardware_id"), sess.HardwareID())
	}
	if hdr.Get("2fa-support") != "" {
		t.Error("2fa headers sent with two-factor disabled")
	}
	ts.mu.Lock()
	auth := ts.sessionAuth
	ts.mu.Unlock()
	if len(auth) != 1 || auth[0] != "Bearer access-1" {
		t.Errorf("session call auth = %q", auth)
	}
}

func TestTokenRotation(t *testing.T) {
	ts := newTokenServer(t)
	a, sess, tl := newTestAuth(t, ts, false)

	if _, err := a.Login(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	const cycles = 5
	for i := 1; i <= cycles; i++ {
		sch := tl.last(t)
		// expires_in=3600: the refresh must fire before actual expiry.
		if sch.delay >= time.Hour || sch.delay < time.Hour-RefreshLead-time.Minute {
			t.Fatalf("cycle %d: delay = %v", i, sch.delay)
		}
		sch.fn()

		want := fmt.Sprintf("access-%d", i+1)
		if got := sess.AccessToken(); got != want {
			t.Fatalf("cycle %d: access = %q, want %q", i, got, want)
		}
		form, _ := ts.grant(i)
		if form.Get("grant_type") != "refresh_token" {
			t.Errorf("cycle %d: grant_type = %q", i, form.Get("grant_type"))
		}
		if form.Get("refresh_token") != fmt.Sprintf("refresh-%d", i) {
			t.Errorf("cycle %d: refresh_token = %q", i, form.Get("refresh_token"))
		}
	}
	if n := ts.grantCount(); n != cycles+1 {
		t.Errorf("grants = %d, want %d", n, cycles+1)
	}
}

func TestRefreshDelayFloor(t *testing.T) {
	ts := newTokenServer(t)
	a, _, _ := newTestAuth(t, ts, false)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	if d := a.refreshDelay(now.Add(time.Hour)); d != time.Hour-RefreshLead {
		t.Errorf("delay = %v, want %v", d, time.Hour-RefreshLead)
	}
	if d := a.refreshDelay(now.Add(10 * time.Second)); d != minRefreshDelay {
		t.Errorf("short expiry delay = %v, want %v", d, minRefreshDelay)
	}
}

func TestTwoFactorChallenge(t *testing.T) {
	ts := newTokenServer(t)
	a, sess, _ := newTestAuth(t, ts, true)
	ts.setStatus(http.StatusPreconditionFailed)

	res, err := a.Login(context.Background(), "")
	if !errors.Is(err, ErrChallengeRequired) {
		t.Fatalf("err = %v, want ErrChallengeRequired", err)
	}
	if res != ResultChallengeRequired {
		t.Errorf("result = %v", res)
	}
	if held, _ := sess.Held(); !held || !sess.TwoFactorPending() {
		t.Error("expected hold with two-factor pending")
	}

	// Without a code no grant is attempted while held.
	if _, err := a.Authenticate(context.Background(), ""); !errors.Is(err, ErrChallengeRequired) {
		t.Errorf("held authenticate err = %v", err)
	}
	if n := ts.grantCount(); n != 1 {
		t.Errorf("grants while held = %d, want 1", n)
	}

	ts.setStatus(0)
	res, err = a.Login(context.Background(), "123456")
	if err != nil || res != ResultAccessToken {
		t.Fatalf("login with code = %v, %v", res, err)
	}
	_, hdr := ts.grant(1)
	if hdr.Get("2fa-code") != "123456" || hdr.Get("2fa-support") != "true" {
		t.Errorf("2fa headers = %q/%q", hdr.Get("2fa-support"), hdr.Get("2fa-code"))
	}
	if sess.TwoFactorPending() {
		t.Error("two-factor still pending after successful grant")
	}
}

func TestRateLimitedHolds(t *testing.T) {
	ts := newTokenServer(t)
	a, sess, _ := newTestAuth(t, ts, false)
	sess.SetFromGrant("a", "r", time.Now().Add(time.Hour))
	ts.setStatus(http.StatusTooManyRequests)

	err := a.Reauthenticate(context.Background())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if held, _ := sess.Held(); !held {
		t.Error("expected hold after 429")
	}
	if sess.AccessToken() != "" || sess.RefreshToken() != "" {
		t.Error("tokens not cleared after 429")
	}

	// Held and no refresh token: no further grant.
	if err := a.Reauthenticate(context.Background()); !errors.Is(err, ErrRequestsHeld) {
		t.Errorf("second err = %v, want ErrRequestsHeld", err)
	}
	if n := ts.grantCount(); n != 1 {
		t.Errorf("grants = %d, want 1", n)
	}
}

func TestRefreshUnauthorizedClearsAll(t *testing.T) {
	ts := newTokenServer(t)
	a, sess, _ := newTestAuth(t, ts, false)
	sess.SetFromGrant("a", "r", time.Now().Add(time.Hour))
	ts.setStatus(http.StatusUnauthorized)

	res, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrAuthFailed) || res != ResultFailure {
		t.Fatalf("got %v, %v; want failure, ErrAuthFailed", res, err)
	}
	if sess.RefreshToken() != "" {
		t.Error("refresh token kept after 401 on grant")
	}
	if n := ts.grantCount(); n != 1 {
		t.Errorf("grants = %d, want 1 (no password fallback)", n)
	}
	form, _ := ts.grant(0)
	if form.Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
}

func TestSessionEndpointForbidden(t *testing.T) {
	ts := newTokenServer(t)
	ts.sessionStatus = http.StatusForbidden
	a, sess, _ := newTestAuth(t, ts, false)

	_, err := a.Login(context.Background(), "")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if sess.AccessToken() != "" || sess.RefreshToken() != "" {
		t.Error("tokens kept after 403 on session endpoint")
	}
}
