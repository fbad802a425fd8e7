//go:build !no_automation

package automation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return &Engine{logger: testLogger(), vms: make(map[string]*scriptVM)}
}

func TestSystemDatetime(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	want := map[string]lua.LValueType{
		"hour": lua.LTNumber, "minute": lua.LTNumber, "second": lua.LTNumber,
		"weekday": lua.LTNumber, "day": lua.LTNumber, "month": lua.LTNumber,
		"year": lua.LTNumber, "timestamp": lua.LTNumber,
		"time_str": lua.LTString, "date_str": lua.LTString,
	}
	for comp, typ := range want {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q): %v", comp, err)
		}
		if got := L.GetGlobal("_result").Type(); got != typ {
			t.Errorf("system.datetime(%q) type = %v, want %v", comp, got, typ)
		}
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component should raise")
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemTimeBetweenFullDay(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	if err := L.DoString(`_result = system.time_between(0, 24)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_result") != lua.LTrue {
		t.Error("time_between(0, 24) = false, want true")
	}
}

func TestSystemExecBlocked(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		cmd       string
	}{
		{"empty allowlist", nil, "/bin/echo hi"},
		{"not listed", []string{"/usr/bin/echo"}, "/usr/bin/ls"},
		{"relative path", []string{"echo"}, "echo hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := lua.NewState()
			defer L.Close()
			e := newTestEngine()
			e.systemCfg.ExecAllowlist = tt.allowlist
			registerSystemModule(L, e)

			L.SetGlobal("_cmd", lua.LString(tt.cmd))
			if err := L.DoString(`_result = system.exec(_cmd)`); err != nil {
				t.Fatal(err)
			}
			if s, ok := L.GetGlobal("_result").(lua.LString); !ok || s != "" {
				t.Errorf("exec returned %v, want empty string", L.GetGlobal("_result"))
			}
		})
	}
}

func TestSystemExecAllowed(t *testing.T) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("/bin/echo not available")
	}
	L := lua.NewState()
	defer L.Close()
	e := newTestEngine()
	e.systemCfg = SystemConfig{ExecAllowlist: []string{"/bin/echo"}, ExecTimeout: 5 * time.Second}
	registerSystemModule(L, e)

	if err := L.DoString(`_result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	if s, _ := L.GetGlobal("_result").(lua.LString); s != "hello\n" {
		t.Errorf("exec returned %q, want %q", s, "hello\n")
	}
}

func TestTelegramSend(t *testing.T) {
	got := make(chan map[string]string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- body
	}))
	defer srv.Close()

	L := lua.NewState()
	defer L.Close()
	e := newTestEngine()
	e.telegramCfg = TelegramConfig{BotToken: "TOKEN", ChatIDs: []string{"42"}, APIURL: srv.URL}
	registerTelegramModule(L, e)

	if err := L.DoString(`telegram.send("someone is at the \"door\"")`); err != nil {
		t.Fatal(err)
	}
	select {
	case body := <-got:
		if body["chat_id"] != "42" || body["text"] != `someone is at the "door"` {
			t.Errorf("body = %v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("telegram message not sent")
	}
}

func TestTelegramSendNoConfig(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerTelegramModule(L, newTestEngine())

	if err := L.DoString(`telegram.send("test")`); err != nil {
		t.Fatal(err)
	}
}
