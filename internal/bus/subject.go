package bus

import (
	"fmt"
	"strings"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Subject returns <topic>.<kind>.<key>. Characters NATS reserves inside a token are
// replaced so any key yields exactly one token.
func Subject(topic string, kind core.MessageKind, key string) string {
	return topic + "." + string(kind) + "." + sanitizeToken(key)
}

// FilterSubject matches every message of kind on topic.
func FilterSubject(topic string, kind core.MessageKind) string {
	return topic + "." + string(kind) + ".>"
}

// StreamSubjects returns the subjects a stream must capture for topic.
func StreamSubjects(topic string) []string {
	return []string{topic + ".>"}
}

// KindFromSubject extracts the message kind of a subject built by Subject.
func KindFromSubject(topic, subject string) (core.MessageKind, error) {
	rest, ok := strings.CutPrefix(subject, topic+".")
	if !ok {
		return "", fmt.Errorf("subject %q outside topic %q: %w", subject, topic, core.ErrUnknownSubject)
	}

	tag, _, _ := strings.Cut(rest, ".")

	for _, kind := range core.Kinds() {
		if string(kind) == tag {
			return kind, nil
		}
	}

	return "", fmt.Errorf("tag %q: %w", tag, core.ErrUnknownSubject)
}

func sanitizeToken(key string) string {
	if key == "" {
		return "_"
	}

	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, key)
}
