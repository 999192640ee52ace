package app

import (
	"context"

	"github.com/dentalor/lorbot/internal/ports"
)

// Plugin is an optional component started with the service. Plugins are
// initialized in registration order and shut down in reverse order.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context, cfg PluginConfig) error
	Shutdown(ctx context.Context) error
}

// PluginConfig is handed to plugins on Initialize.
type PluginConfig struct {
	// ConfigPath is the TOML config file in use, if any.
	ConfigPath string
	Logger     ports.Logger
}
