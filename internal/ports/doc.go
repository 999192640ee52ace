// Package ports defines the interfaces that connect the application layer
// to infrastructure adapters.
//
// # Port Interfaces
//
//   - [Transport]: receives events from and sends replies to the messaging platform
//   - [FileFetcher]: resolves and downloads files stored on the platform
//   - [Store]: persists dentists, drafts and consultations
//   - [Logger]: structured logging abstraction
//   - [HTTPClient]: HTTP request abstraction for dependency injection
//
// The application layer (internal/app, internal/dispatch, internal/consult)
// depends only on these interfaces. Adapters under internal/adapters
// implement them with the Bot API, SQLite, zerolog and Prometheus.
package ports
