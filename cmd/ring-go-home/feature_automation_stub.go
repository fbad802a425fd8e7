//go:build no_automation

package main

import (
	"log/slog"

	"ring-go-home/internal/registry"
	"ring-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *registry.Registry, _ *registry.Controller, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
