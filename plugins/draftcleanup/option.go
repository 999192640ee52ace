package draftcleanup

import "github.com/dentalor/lorbot/internal/app"

// WithDraftCleanup returns a service Option that enables periodic removal
// of stale drafts.
//
// Usage:
//
//	svc := app.New(transport, reg,
//	    draftcleanup.WithDraftCleanup(store, draftcleanup.Config{
//	        CheckInterval: time.Hour,
//	        MaxAge:        7 * 24 * time.Hour,
//	    }),
//	)
func WithDraftCleanup(purger Purger, cfg Config) app.Option {
	return app.WithPlugin(New(purger, cfg))
}
