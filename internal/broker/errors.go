package broker

import (
	"errors"

	"github.com/segmentio/kafka-go"
)

var (
	// ErrClosed is returned to callers of a closed connection or producer,
	// including callers that were waiting when Close ran.
	ErrClosed = errors.New("broker: closed")

	// ErrConnectTimeout is returned when a producer handle does not become
	// ready within the configured connect timeout.
	ErrConnectTimeout = errors.New("broker: connect timeout")

	// ErrHandleClosed is returned by a low-level handle once it has been
	// closed. It ends the consumption loop without triggering a reconnect.
	ErrHandleClosed = errors.New("broker: handle closed")

	// ErrTopicAbsent marks errors caused by a topic that does not exist yet.
	ErrTopicAbsent = errors.New("broker: topic does not exist")
)

// IsTopicAbsent reports whether err means the topic (or one of its
// partitions) does not exist. Such errors do not force a reconnect.
func IsTopicAbsent(err error) bool {
	return errors.Is(err, ErrTopicAbsent) || errors.Is(err, kafka.UnknownTopicOrPartition)
}
