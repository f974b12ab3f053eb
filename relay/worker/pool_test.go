package worker

import (
	"bytes"
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
	"github.com/papercomputeco/chatrelay/pkg/eventstream/memory"
	"github.com/papercomputeco/chatrelay/pkg/logger"
)

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	memory.Publisher
	started chan struct{}
	release chan struct{}
}

func (b *blockingPublisher) PublishTurn(ctx context.Context, e *eventstream.TurnEvent) error {
	b.started <- struct{}{}
	<-b.release
	return b.Publisher.PublishTurn(ctx, e)
}

func turnEvent(id string) *eventstream.TurnEvent {
	return &eventstream.TurnEvent{
		EventID:   id,
		EventType: eventstream.EventTypeTurnRecorded,
		Turn:      eventstream.TurnPayload{ConversationID: "c1"},
	}
}

var _ = Describe("Worker Pool", func() {
	It("requires a publisher", func() {
		_, err := NewPool(&Config{})
		Expect(err).To(HaveOccurred())
	})

	It("publishes every queued event before Close returns", func() {
		pub := memory.NewPublisher()
		wp, err := NewPool(&Config{Publisher: pub})
		Expect(err).NotTo(HaveOccurred())

		for _, id := range []string{"a", "b", "c"} {
			Expect(wp.Enqueue(turnEvent(id))).To(BeTrue())
		}
		Expect(wp.Close()).To(Succeed())

		ids := []string{}
		for _, e := range pub.Events() {
			ids = append(ids, e.EventID)
		}
		Expect(ids).To(ConsistOf("a", "b", "c"))

		// the publisher is closed along with the pool
		Expect(pub.PublishTurn(context.Background(), turnEvent("late"))).To(MatchError(memory.ErrClosed))
	})

	It("drops events when the queue is full", func() {
		pub := &blockingPublisher{started: make(chan struct{}, 1), release: make(chan struct{})}
		var buf bytes.Buffer
		wp, err := NewPool(&Config{
			Publisher:  pub,
			NumWorkers: 1,
			QueueSize:  1,
			Logger:     logger.New(logger.WithWriter(&buf)),
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(wp.Enqueue(turnEvent("in-flight"))).To(BeTrue())
		Eventually(pub.started).Should(Receive())

		Expect(wp.Enqueue(turnEvent("queued"))).To(BeTrue())
		Expect(wp.Enqueue(turnEvent("dropped"))).To(BeFalse())
		Expect(buf.String()).To(ContainSubstring("queue full"))

		close(pub.release)
		Expect(wp.Close()).To(Succeed())
		Expect(pub.Events()).To(HaveLen(2))
	})

	It("logs publish failures and keeps going", func() {
		pub := memory.NewPublisher()
		pub.Err = errors.New("broker down")
		var buf bytes.Buffer
		wp, err := NewPool(&Config{Publisher: pub, Logger: logger.New(logger.WithWriter(&buf))})
		Expect(err).NotTo(HaveOccurred())

		Expect(wp.Enqueue(turnEvent("a"))).To(BeTrue())
		Expect(wp.Close()).To(Succeed())
		Expect(buf.String()).To(ContainSubstring("publishing turn event failed"))
		Expect(buf.String()).To(ContainSubstring("broker down"))
	})

	It("can be closed twice", func() {
		wp, err := NewPool(&Config{Publisher: memory.NewPublisher()})
		Expect(err).NotTo(HaveOccurred())
		Expect(wp.Close()).To(Succeed())
		Expect(wp.Close()).To(Succeed())
	})
})
