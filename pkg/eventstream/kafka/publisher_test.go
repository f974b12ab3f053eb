package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
	"github.com/papercomputeco/chatrelay/pkg/eventstream/kafka"
)

type fakeWriter struct {
	msgs     []kafkago.Message
	err      error
	deadline bool
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var _ = Describe("Publisher", func() {
	It("requires brokers", func() {
		_, err := kafka.NewPublisher(kafka.Config{})
		Expect(err).To(MatchError(kafka.ErrNoBrokers))
	})

	It("builds a writer without contacting the brokers", func() {
		p, err := kafka.NewPublisher(kafka.Config{Brokers: []string{"localhost:9092"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Close()).To(Succeed())
	})

	It("writes one JSON message keyed by chat id", func() {
		w := &fakeWriter{}
		p := kafka.NewPublisherWithWriter(w, time.Second)

		emitted := time.Unix(1735689600, 0).UTC()
		err := p.PublishTurn(context.Background(), &eventstream.TurnEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeTurnRecorded,
			EventID:       "evt-1",
			EmittedAt:     emitted,
			Turn:          eventstream.TurnPayload{ConversationID: "c1", OwnerID: "u1", UserContent: "Hello", AssistantContent: "Hello!"},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(w.msgs).To(HaveLen(1))
		msg := w.msgs[0]
		Expect(string(msg.Key)).To(Equal("c1"))
		Expect(msg.Time).To(Equal(emitted))
		Expect(w.deadline).To(BeTrue())

		var decoded map[string]any
		Expect(json.Unmarshal(msg.Value, &decoded)).To(Succeed())
		Expect(decoded["event_type"]).To(Equal("chatrelay.turn.recorded"))
		Expect(decoded["turn"]).To(HaveKeyWithValue("assistant_content", "Hello!"))
		Expect(msg.Headers).To(ContainElement(kafkago.Header{Key: "event_type", Value: []byte("chatrelay.turn.recorded")}))
	})

	It("wraps writer failures", func() {
		w := &fakeWriter{err: errors.New("leader not available")}
		p := kafka.NewPublisherWithWriter(w, time.Second)

		err := p.PublishTurn(context.Background(), &eventstream.TurnEvent{})
		Expect(err).To(MatchError(ContainSubstring("leader not available")))
	})

	It("rejects nil events", func() {
		p := kafka.NewPublisherWithWriter(&fakeWriter{}, time.Second)
		Expect(p.PublishTurn(context.Background(), nil)).To(MatchError(eventstream.ErrNilTurnEvent))
	})

	It("closes the writer", func() {
		w := &fakeWriter{}
		Expect(kafka.NewPublisherWithWriter(w, time.Second).Close()).To(Succeed())
		Expect(w.closed).To(BeTrue())
	})
})
