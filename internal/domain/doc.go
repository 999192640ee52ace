// Package domain contains the core entities and value objects of lorbot.
//
// This package is the innermost layer. It has no dependencies on
// infrastructure (Bot API, SQLite, logging) and holds only data types and
// the error taxonomy shared by the outer layers.
//
// # Entities
//
//   - [Event]: one inbound update delivered by the transport
//   - [Outbound]: a typed reply the transport knows how to send
//   - [Dentist], [Consultation], [Draft]: persisted consultation data
//   - [ConnState]: connection state owned by the transport
//
// # Errors
//
// Fatal classes ([AuthenticationError], [ErrTransportUnavailable]) stop the
// service; [HandlerError] is contained per event. Use [IsFatal] to decide.
package domain
