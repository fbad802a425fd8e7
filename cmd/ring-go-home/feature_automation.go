//go:build !no_automation

package main

import (
	"log/slog"

	"ring-go-home/internal/automation"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(reg *registry.Registry, ctrl *registry.Controller, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	mgr, err := automation.NewManager(cfg.Automation.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(reg, ctrl, mgr, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Automation.ExecAllowlist,
			ExecTimeout:   cfg.Automation.ExecTimeout,
		},
		automation.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
		},
	)
	engine.Start()
	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, mgr)}
}
