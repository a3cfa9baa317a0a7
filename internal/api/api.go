// Package api exposes the Postbox job queues to local applications over
// HTTP. Every write endpoint persists a job and answers 202 before anything
// is sent; delivery happens in the queues.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/jobs"
	"github.com/BTreeMap/Postbox/internal/util"
)

const (
	// DefaultAddr listens on loopback only.
	DefaultAddr = "127.0.0.1:8080"
	// DefaultShutdownTimeout bounds the graceful HTTP shutdown.
	DefaultShutdownTimeout = 5 * time.Second
	// maxRequestBytes caps request bodies.
	maxRequestBytes = 1 << 20
)

// ConversationQueue is the producer side of the conversation queue.
type ConversationQueue interface {
	Add(ctx context.Context, data jobs.ConversationJobData) (*jobqueue.Job[jobs.ConversationJobData], error)
}

// ReceiptsQueue is the producer side of the receipts queue.
type ReceiptsQueue interface {
	Add(ctx context.Context, data jobs.ReceiptsJobData) (*jobqueue.Job[jobs.ReceiptsJobData], error)
}

// StorageKeyQueue is the producer side of the storage-key cleanup queue.
type StorageKeyQueue interface {
	Add(ctx context.Context, data jobs.RemoveStorageKeyJobData) (*jobqueue.Job[jobs.RemoveStorageKeyJobData], error)
}

// Items reads and writes local storage items.
type Items interface {
	PutItem(ctx context.Context, key, value string) error
	GetItem(ctx context.Context, key string) (string, bool, error)
}

// Status reports transport state for the health endpoint.
type Status interface {
	jobqueue.Connectivity
	jobqueue.LinkState
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr              string
	NewMessageID      func() string
	ValidateRecipient func(string) error
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMessageIDs overrides how outgoing message IDs are generated.
func WithMessageIDs(fn func() string) Option {
	return func(o *Opts) { o.NewMessageID = fn }
}

// WithRecipientValidator rejects recipients the transport cannot address.
func WithRecipientValidator(fn func(string) error) Option {
	return func(o *Opts) { o.ValidateRecipient = fn }
}

// Backend groups what the server enqueues into and reads from.
type Backend struct {
	Conversation ConversationQueue
	Receipts     ReceiptsQueue
	StorageKeys  StorageKeyQueue
	Items        Items
	Status       Status
}

// Server serves the local API.
type Server struct {
	conversation ConversationQueue
	receipts     ReceiptsQueue
	storageKeys  StorageKeyQueue
	items        Items
	status       Status
	opts         Opts
}

// NewServer creates a server over the given backend.
func NewServer(b Backend, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, NewMessageID: util.NewMessageID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		conversation: b.Conversation,
		receipts:     b.Receipts,
		storageKeys:  b.StorageKeys,
		items:        b.Items,
		status:       b.Status,
		opts:         cfg,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/react", s.reactHandler)
	mux.HandleFunc("/revoke", s.revokeHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/items/", s.itemsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts the listener down
// gracefully. Jobs already accepted stay in the store.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: API stopped")
	return nil
}
