package kafka

import (
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// MessageWriter exposes the writer seam to the external test package.
type MessageWriter = messageWriter

func NewPublisherWithWriter(w MessageWriter, writeTimeout time.Duration) *Publisher {
	return newPublisher(w, writeTimeout)
}

var _ MessageWriter = (*kafkago.Writer)(nil)
