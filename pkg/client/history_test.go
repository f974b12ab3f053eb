package client_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/api"
	"github.com/papercomputeco/chatrelay/pkg/client"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
)

var _ = Describe("HistoryClient", func() {
	var (
		driver *inmemory.Driver
		server *api.Server
		hc     *client.HistoryClient
		chatID string
	)

	BeforeEach(func() {
		ctx := context.Background()
		driver = inmemory.NewDriver()

		conv, err := driver.EnsureConversation(ctx, storage.EnsureRequest{OwnerID: "u1", SeedTitle: "Hi"})
		Expect(err).NotTo(HaveOccurred())
		chatID = conv.ID
		Expect(driver.RecordTurn(ctx, &storage.Turn{
			ConversationID:   chatID,
			OwnerID:          "u1",
			UserContent:      "Hi",
			AssistantContent: "Hello!",
		})).To(Succeed())

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		server = api.NewServer(api.Config{}, driver, nil)
		go func() { _ = server.RunWithListener(listener) }()
		DeferCleanup(func() { _ = server.Shutdown() })

		hc = client.NewHistory("http://" + listener.Addr().String())
	})

	It("lists a user's chats", func() {
		chats, err := hc.Chats(context.Background(), "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(chats).To(HaveLen(1))
		Expect(chats[0].ID).To(Equal(chatID))
		Expect(chats[0].Title).To(Equal("Hi"))
	})

	It("rebuilds the history of a chat", func() {
		history, err := hc.History(context.Background(), chatID, "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(Equal(llm.History{
			{Role: llm.RoleUser, Content: "Hi"},
			{Role: llm.RoleAssistant, Content: "Hello!"},
		}))
	})

	It("hides chats owned by someone else", func() {
		_, err := hc.History(context.Background(), chatID, "u2")
		Expect(err).To(MatchError(client.ErrChatNotFound))
	})

	It("reports unknown chats", func() {
		_, err := hc.History(context.Background(), "missing", "")
		Expect(err).To(MatchError(client.ErrChatNotFound))
	})

	It("returns a StatusError for other failures", func() {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer upstream.Close()

		_, err := client.NewHistory(upstream.URL).Chats(context.Background(), "")
		var statusErr *client.StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue())
		Expect(statusErr.Code).To(Equal(http.StatusBadRequest))
	})
})
