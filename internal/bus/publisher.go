package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Header names set on every published message.
const (
	HeaderKind = "Tts-Kind"
	HeaderKey  = "Tts-Key"
)

// ErrMalformed marks a message that can never be handled; consumers terminate it instead
// of asking for redelivery.
var ErrMalformed = errors.New("malformed message")

// Envelope is the wire form of every pipeline message.
type Envelope struct {
	Header  events.EventHeader `json:"header"`
	Kind    core.MessageKind   `json:"kind"`
	Payload json.RawMessage    `json:"payload"`
	// Delivery is filled in by the consumer and never published.
	Delivery Delivery `json:"-"`
}

// Delivery counts how often the broker has handed a message out.
type Delivery struct {
	Attempt int
	// Max is the consumer's delivery limit; zero means unlimited.
	Max int
}

// Final reports whether a failed attempt will not be redelivered.
func (d Delivery) Final() bool {
	return d.Max > 0 && d.Attempt >= d.Max
}

// Key returns the ordering key the message was published with.
func (e Envelope) Key() string {
	return e.Header.WorkflowID
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	err := json.Unmarshal(e.Payload, out)
	if err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformed, e.Kind, err)
	}

	return nil
}

// DecodeEnvelope parses raw message data.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope

	err := json.Unmarshal(data, &env)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	return env, nil
}

// Publisher implements core.Publisher on a JetStream stream.
type Publisher struct {
	js    jetstream.JetStream
	topic string
	log   *logger.Logger
	now   func() time.Time
}

// NewPublisher creates a publisher for topic.
func NewPublisher(js jetstream.JetStream, topic string, log *logger.Logger) *Publisher {
	return &Publisher{js: js, topic: topic, log: log, now: time.Now}
}

// Publish serializes payload and sends it tagged by kind and keyed by key. The broker
// acknowledgement is awaited, so a nil error means the message is durable.
func (p *Publisher) Publish(ctx context.Context, kind core.MessageKind, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	env := Envelope{
		Header: events.EventHeader{
			Timestamp:  p.now().UTC(),
			WorkflowID: key,
			EventID:    uuid.NewString(),
		},
		Kind:    kind,
		Payload: body,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", kind, err)
	}

	msg := nats.NewMsg(Subject(p.topic, kind, key))
	msg.Header.Set(HeaderKind, string(kind))
	msg.Header.Set(HeaderKey, key)
	msg.Data = data

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(env.Header.EventID))
	if err != nil {
		return fmt.Errorf("failed to publish %s for key %s: %w", kind, key, err)
	}

	p.log.Info("Published %s key=%s stream=%s seq=%d", kind, key, ack.Stream, ack.Sequence)

	return nil
}

var _ core.Publisher = (*Publisher)(nil)
