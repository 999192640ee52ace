package ports

import (
	"context"
	"io"

	"github.com/dentalor/lorbot/internal/domain"
)

// Transport owns the single connection to the messaging platform.
// No other component writes to the platform directly; every reply goes
// through Send.
type Transport interface {
	// Connect verifies the credential and marks the connection usable.
	// Authentication failures are returned as *domain.AuthenticationError
	// without retrying.
	Connect(ctx context.Context) error

	// Receive blocks until an event is available. It reconnects with
	// backoff on transient failures and returns domain.ErrTransportUnavailable
	// once retries are exhausted, or ctx.Err() on cancellation.
	Receive(ctx context.Context) (domain.Event, error)

	// Send delivers one outbound payload to a conversation.
	Send(ctx context.Context, conversation int64, payload domain.Outbound) (domain.SendResult, error)

	// State reports the current connection state.
	State() domain.ConnState

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// FileInfo describes a file stored on the platform.
type FileInfo struct {
	FileID string
	Size   int64
	Path   string
}

// FileFetcher resolves and downloads platform-hosted files.
type FileFetcher interface {
	File(ctx context.Context, fileID string) (FileInfo, error)
	Download(ctx context.Context, info FileInfo, w io.Writer) error
}
