package eventstream_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
)

var _ = Describe("TurnEvent", func() {
	It("marshals with the expected top-level keys", func() {
		now := time.Unix(1735689600, 0).UTC()
		event := eventstream.TurnEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeTurnRecorded,
			EventID:       "evt_123",
			EmittedAt:     now,
			Source:        eventstream.EventSource{Provider: "openrouter", Model: "gryphe/mythomax-l2-13b"},
			RequestMeta: eventstream.TurnRequestMeta{
				RequestID:   "req-1",
				StartedAt:   now.Add(-2 * time.Second),
				CompletedAt: now,
				DurationMs:  2000,
				Fragments:   2,
			},
			Turn: eventstream.TurnPayload{ConversationID: "c1", OwnerID: "u1", UserContent: "Hello", AssistantContent: "Hello!"},
		}

		payload, err := json.Marshal(event)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())
		Expect(got).To(HaveKey("schema_version"))
		Expect(got).To(HaveKey("event_type"))
		Expect(got).To(HaveKey("event_id"))
		Expect(got).To(HaveKey("emitted_at"))
		Expect(got).To(HaveKey("source"))
		Expect(got).To(HaveKey("request_meta"))
		Expect(got).To(HaveKey("turn"))
		Expect(got).NotTo(HaveKey("error"))
	})

	It("defines stable event types", func() {
		Expect(eventstream.EventTypeTurnRecorded).To(Equal("chatrelay.turn.recorded"))
		Expect(eventstream.EventTypeTurnPersistFailed).To(Equal("chatrelay.turn.persist_failed"))
	})
})

var _ = Describe("Discard", func() {
	It("accepts events and rejects nil", func() {
		p := eventstream.Discard()
		Expect(p.PublishTurn(context.Background(), &eventstream.TurnEvent{})).To(Succeed())
		Expect(p.PublishTurn(context.Background(), nil)).To(MatchError(eventstream.ErrNilTurnEvent))
		Expect(p.Close()).To(Succeed())
	})
})
