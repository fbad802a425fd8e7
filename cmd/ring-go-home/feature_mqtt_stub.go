//go:build no_mqtt

package main

import (
	"log/slog"

	"ring-go-home/internal/registry"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *registry.Registry, _ *registry.Controller, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
