//go:build no_automation

// Package automation is compiled out; every operation reports that.
package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ring-go-home/internal/registry"
	"ring-go-home/internal/store"
)

// ErrScriptNotFound is returned for every lookup.
var ErrScriptNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored as a .lua file.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	Code     string     `json:"code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig holds system exec settings.
type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string
}

// Devices is the registry surface scripts can read.
type Devices interface {
	Device(localID string) (*store.Device, error)
	Devices() ([]*store.Device, error)
	Events() *registry.EventBus
}

// Commander executes device and location commands on behalf of scripts.
type Commander interface {
	Command(ctx context.Context, localID string, cmd registry.Command) error
	LocationMode(ctx context.Context, mode string) error
}

// Manager is a no-op stub.
type Manager struct{}

// NewManager returns a no-op manager.
func NewManager(_ string) (*Manager, error) { return &Manager{}, nil }

// List returns no scripts.
func (m *Manager) List() ([]*Script, error) { return []*Script{}, nil }

// Get always fails.
func (m *Manager) Get(id string) (*Script, error) { return nil, ErrScriptNotFound }

// Save always fails.
func (m *Manager) Save(s *Script) (*Script, error) { return nil, errDisabled }

// Delete always fails.
func (m *Manager) Delete(_ string) error { return ErrScriptNotFound }

// Engine is a no-op stub.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Devices, _ Commander, _ *Manager, _ *slog.Logger, _ SystemConfig, _ TelegramConfig) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}
func (e *Engine) Running(_ string) bool       { return false }

// RunScript reports that automation is disabled.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error(), Logs: []string{}}
}

// RunLuaCode reports that automation is disabled.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error(), Logs: []string{}}
}
