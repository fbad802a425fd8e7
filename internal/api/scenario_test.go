package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"ring-go-home/internal/session"
	"ring-go-home/internal/store"
)

// Password login followed by a request that is rejected once with 401:
// one re-authentication, then the original call succeeds.
func TestLoginThenForcedUnauthorized(t *testing.T) {
	var grants, deviceCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := grants.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("access-%d", n),
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("GET /clients_api/ring_devices", func(w http.ResponseWriter, r *http.Request) {
		if deviceCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"doorbots":[{"id":1,"kind":"lpd_v1"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sess, err := session.Load(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	auth := session.NewAuthenticator(session.Config{
		TokenURL: srv.URL + "/oauth/token",
		Username: "user@example.com",
		Password: "secret",
	}, sess, testLogger())
	t.Cleanup(auth.Stop)

	res, err := auth.Login(context.Background(), "")
	if err != nil || res != session.ResultAccessToken {
		t.Fatalf("login = %v, %v", res, err)
	}

	d := NewDispatcher(Hosts{API: srv.URL, App: srv.URL, Snaps: srv.URL}, sess, auth, testLogger())
	groups, err := d.Devices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups.All()) != 1 {
		t.Errorf("devices = %d, want 1", len(groups.All()))
	}
	if n := grants.Load(); n != 2 {
		t.Errorf("grants = %d, want 2 (login + one re-auth)", n)
	}
	if n := deviceCalls.Load(); n != 2 {
		t.Errorf("device calls = %d, want 2", n)
	}
	if sess.AccessToken() != "access-2" {
		t.Errorf("access = %q, want access-2", sess.AccessToken())
	}
}
