package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamMaxAge          = 7 * 24 * time.Hour
	streamDuplicateWindow = 2 * time.Minute
)

// EnsureStream creates the pipeline stream or updates it in place.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, topic string) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: fmt.Sprintf("Pipeline messages on topic %s.", topic),
		Subjects:    StreamSubjects(topic),
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      streamMaxAge,
		Duplicates:  streamDuplicateWindow,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s': %w", name, err)
	}

	return stream, nil
}
