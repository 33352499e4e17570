// Package bus carries typed pipeline messages over NATS JetStream: one stream, one topic,
// a tag per message kind and a durable consumer group per tag.
package bus

import (
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNoServerURL indicates that neither a URL nor an embedded server was configured.
var ErrNoServerURL = errors.New("no NATS server url configured")

// Client wraps the NATS connection and its JetStream handle.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *logger.Logger
}

// Connect dials url, which overrides cfg.URL when non-empty.
func Connect(cfg config.NATSConfig, url string, log *logger.Logger) (*Client, error) {
	if url == "" {
		url = cfg.URL
	}

	if url == "" {
		return nil, ErrNoServerURL
	}

	options := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("Reconnected to NATS at %s", conn.ConnectedUrl())
		}),
	}

	if timeout := cfg.ConnectTimeout(); timeout > 0 {
		options = append(options, nats.Timeout(timeout))
	}

	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	log.System("Connected to NATS at %s", url)

	return &Client{conn: conn, js: js, log: log}, nil
}

// Close drains in-flight messages and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}

	c.log.Info("Closing NATS connection")

	drainErr := c.conn.Drain()
	if drainErr != nil {
		c.log.Warn("Failed to drain NATS connection: %v", drainErr)
		c.conn.Close()
	}
}

// Healthy reports whether the connection is currently established.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// JetStream returns the JetStream handle.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the raw connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}
