package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const embeddedReadyTimeout = 5 * time.Second

// ErrEmbeddedNotReady indicates that the in-process server did not accept connections in time.
var ErrEmbeddedNotReady = errors.New("embedded NATS server failed to start")

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	ns  *server.Server
	log *logger.Logger
}

// StartEmbedded starts an in-process server when cfg.Embedded is set. It returns nil
// otherwise so the caller dials cfg.URL.
func StartEmbedded(cfg config.NATSConfig, log *logger.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  cfg.EmbeddedStoreDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(embeddedReadyTimeout) {
		ns.Shutdown()

		return nil, fmt.Errorf("%w within %s", ErrEmbeddedNotReady, embeddedReadyTimeout)
	}

	log.System("Embedded NATS server listening on %s (store %s)", ns.ClientURL(), cfg.EmbeddedStoreDir)

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the address clients should dial, or "" for a nil server.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}

	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}

	e.log.Info("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
