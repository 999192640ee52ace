package configwatcher

import "github.com/dentalor/lorbot/internal/app"

// WithConfigWatcher returns a service Option that enables config file
// watching. Every change of the TOML file is parsed and handed to
// cfg.Apply.
//
// Usage:
//
//	svc := app.New(transport, reg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        DebounceDelay: 100 * time.Millisecond,
//	        Apply:         applyLogLevel,
//	    }),
//	)
func WithConfigWatcher(cfg Config) app.Option {
	return app.WithPlugin(New(cfg))
}
