package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
	"github.com/papercomputeco/chatrelay/pkg/eventstream/memory"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/llm/provider"
	"github.com/papercomputeco/chatrelay/pkg/logger"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
	testutils "github.com/papercomputeco/chatrelay/pkg/utils/test"
	"github.com/papercomputeco/chatrelay/relay"
)

// faultyDriver wraps the in-memory driver with injectable failures.
type faultyDriver struct {
	*inmemory.Driver
	ensureErr   error
	recordErr   error
	recordCalls atomic.Int32
	ensureCalls atomic.Int32
}

func (d *faultyDriver) EnsureConversation(ctx context.Context, req storage.EnsureRequest) (*storage.Conversation, error) {
	d.ensureCalls.Add(1)
	if d.ensureErr != nil {
		return nil, d.ensureErr
	}
	return d.Driver.EnsureConversation(ctx, req)
}

func (d *faultyDriver) RecordTurn(ctx context.Context, turn *storage.Turn) error {
	d.recordCalls.Add(1)
	if d.recordErr != nil {
		return d.recordErr
	}
	return d.Driver.RecordTurn(ctx, turn)
}

// tickingProvider emits "tick" until its stream is cancelled.
type tickingProvider struct {
	cancelled chan error
}

func (p *tickingProvider) Name() string { return "ticking" }

func (p *tickingProvider) Generate(ctx context.Context, _ *llm.GenerateRequest) (*llm.Stream, error) {
	return llm.NewStream(ctx, func(ctx context.Context, emit llm.EmitFunc) error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.cancelled <- ctx.Err()
				return ctx.Err()
			case <-ticker.C:
				if err := emit("tick"); err != nil {
					p.cancelled <- err
					return err
				}
			}
		}
	}), nil
}

// gatedProvider emits "done", then finishes successfully once release is
// closed, whether or not its context was cancelled meanwhile.
type gatedProvider struct {
	release chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Generate(ctx context.Context, _ *llm.GenerateRequest) (*llm.Stream, error) {
	return llm.NewStream(ctx, func(_ context.Context, emit llm.EmitFunc) error {
		if err := emit("done"); err != nil {
			return err
		}
		<-p.release
		return nil
	}), nil
}

type chatBody struct {
	Messages llm.History `json:"messages"`
	UserID   string      `json:"userId,omitempty"`
	ChatID   string      `json:"chatId,omitempty"`
	Model    string      `json:"model,omitempty"`
}

func userSays(content string) llm.History {
	return llm.History{{Role: llm.RoleUser, Content: content}}
}

var _ = Describe("Relay", func() {
	var (
		cfg       relay.Config
		driver    *faultyDriver
		prov      provider.Provider
		publisher *memory.Publisher
		logs      *gbytes.Buffer
		server    *relay.Server
		baseURL   string
		client    *http.Client
	)

	start := func() {
		cfg.Publisher = publisher
		var err error
		server, err = relay.New(cfg, driver, prov, logger.New(
			logger.WithWriter(logs),
			logger.WithJSON(true),
			logger.WithDebug(true),
		))
		Expect(err).NotTo(HaveOccurred())

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		go func() {
			_ = server.RunWithListener(listener)
		}()
		baseURL = "http://" + listener.Addr().String()
	}

	post := func(body any, headers ...string) *http.Response {
		GinkgoHelper()
		var payload []byte
		switch b := body.(type) {
		case string:
			payload = []byte(b)
		default:
			var err error
			payload, err = json.Marshal(b)
			Expect(err).NotTo(HaveOccurred())
		}
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/chat", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	stop := func(requestID string) int {
		GinkgoHelper()
		req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/chat/"+requestID, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		return resp.StatusCode
	}

	readAll := func(resp *http.Response) (string, error) {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return string(b), err
	}

	BeforeEach(func() {
		cfg = relay.Config{DefaultModel: "test-model"}
		driver = &faultyDriver{Driver: inmemory.NewDriver()}
		prov = testutils.NewScriptedProvider("Hel", "lo!")
		publisher = memory.NewPublisher()
		logs = gbytes.NewBuffer()
		client = &http.Client{Transport: &http.Transport{}}
	})

	AfterEach(func() {
		client.CloseIdleConnections()
		if server != nil {
			Expect(server.Close()).To(Succeed())
			server = nil
		}
	})

	Describe("GET /", func() {
		It("answers the health check", func() {
			start()
			resp, err := client.Get(baseURL + "/")
			Expect(err).NotTo(HaveOccurred())
			body, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal("Hello from the backend!"))
		})
	})

	Describe("a successful turn", func() {
		It("streams the fragments and persists the exchange", func() {
			start()
			resp := post(chatBody{Messages: userSays("Hi"), UserID: "u1"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/plain; charset=utf-8"))
			Expect(resp.TransferEncoding).To(ContainElement("chunked"))

			chatID := resp.Header.Get(relay.HeaderChatID)
			Expect(chatID).NotTo(BeEmpty())
			Expect(resp.Header.Get(relay.HeaderRequestID)).NotTo(BeEmpty())

			body, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal("Hello!"))

			Eventually(func() ([]*storage.Message, error) {
				return driver.Messages(context.Background(), chatID)
			}).Should(HaveLen(2))

			msgs, err := driver.Messages(context.Background(), chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs[0].Role).To(Equal(llm.RoleUser))
			Expect(msgs[0].Content).To(Equal("Hi"))
			Expect(msgs[1].Role).To(Equal(llm.RoleAssistant))
			Expect(msgs[1].Content).To(Equal("Hello!"))
			Expect(msgs[1].OwnerID).To(Equal("u1"))

			conv, err := driver.GetConversation(context.Background(), chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Title).To(Equal("Hi"))
			Expect(conv.OwnerID).To(Equal("u1"))
		})

		It("titles new chats with the first 50 runes of the first user message", func() {
			start()
			long := strings.Repeat("é", 60)
			resp := post(chatBody{Messages: llm.History{
				{Role: llm.RoleSystem, Content: "be brief"},
				{Role: llm.RoleUser, Content: long},
				{Role: llm.RoleAssistant, Content: "ok"},
				{Role: llm.RoleUser, Content: "again"},
			}})
			_, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())

			conv, err := driver.GetConversation(context.Background(), resp.Header.Get(relay.HeaderChatID))
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Title).To(Equal(strings.Repeat("é", 50)))

			Eventually(func() ([]*storage.Message, error) {
				return driver.Messages(context.Background(), conv.ID)
			}).Should(HaveLen(2))
			msgs, _ := driver.Messages(context.Background(), conv.ID)
			Expect(msgs[0].Content).To(Equal("again"))
		})

		It("owns turns without a userId by the anonymous user", func() {
			start()
			resp := post(chatBody{Messages: userSays("Hi")})
			_, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())

			convs, err := driver.ListConversations(context.Background(), relay.DefaultAnonymousUser)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))
		})

		It("reuses an existing chat without creating one", func() {
			driver.Seed(storage.Conversation{ID: "chat-1", OwnerID: "u1", Title: "old"})
			start()

			resp := post(chatBody{Messages: userSays("Hi"), UserID: "u1", ChatID: "chat-1"})
			Expect(resp.Header.Get(relay.HeaderChatID)).To(Equal("chat-1"))
			_, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.ensureCalls.Load()).To(BeZero())
			Eventually(func() ([]*storage.Message, error) {
				return driver.Messages(context.Background(), "chat-1")
			}).Should(HaveLen(2))

			convs, err := driver.ListConversations(context.Background(), "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))
		})

		It("publishes a recorded event", func() {
			start()
			resp := post(chatBody{Messages: userSays("Hi"), UserID: "u1"})
			_, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())

			Eventually(publisher.Events).Should(HaveLen(1))
			ev := publisher.Events()[0]
			Expect(ev.EventType).To(Equal(eventstream.EventTypeTurnRecorded))
			Expect(ev.Source.Provider).To(Equal("scripted"))
			Expect(ev.Source.Model).To(Equal("test-model"))
			Expect(ev.Turn.AssistantContent).To(Equal("Hello!"))
			Expect(ev.RequestMeta.Fragments).To(Equal(2))
			Expect(ev.RequestMeta.RequestID).To(Equal(resp.Header.Get(relay.HeaderRequestID)))
		})
	})

	Describe("rejected requests", func() {
		DescribeTable("return 400 with no side effects",
			func(body string) {
				start()
				resp := post(body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				_, _ = readAll(resp)

				Expect(prov.(*testutils.ScriptedProvider).Calls()).To(BeZero())
				Expect(driver.ensureCalls.Load()).To(BeZero())
				Expect(driver.recordCalls.Load()).To(BeZero())
			},
			Entry("not JSON", `hello`),
			Entry("no messages", `{"messages":[]}`),
			Entry("missing messages", `{"userId":"u1"}`),
			Entry("last message from the assistant", `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`),
			Entry("unknown role", `{"messages":[{"role":"tool","content":"a"},{"role":"user","content":"b"}]}`),
		)
	})

	Describe("conversation creation failure", func() {
		It("returns 500 and never calls the provider", func() {
			driver.ensureErr = errors.New("db down")
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			body, _ := readAll(resp)
			Expect(body).To(Equal("failed to create chat"))
			Expect(prov.(*testutils.ScriptedProvider).Calls()).To(BeZero())
		})
	})

	Describe("provider failures", func() {
		It("returns 502 when the provider cannot be reached", func() {
			scripted := testutils.NewScriptedProvider()
			scripted.ConnectErr = errors.New("connection refused")
			prov = scripted
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			_, _ = readAll(resp)
			Expect(driver.recordCalls.Load()).To(BeZero())
			Eventually(server.Inflight).Should(BeZero())
		})

		It("aborts the body and persists nothing when the stream fails midway", func() {
			scripted := testutils.NewScriptedProvider("Par")
			scripted.StreamErr = errors.New("upstream exploded")
			prov = scripted
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			chatID := resp.Header.Get(relay.HeaderChatID)

			body, err := readAll(resp)
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
			Expect(body).To(Equal("Par"))

			Eventually(server.Inflight).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
			msgs, err := driver.Messages(context.Background(), chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())
			Expect(logs).To(gbytes.Say("turn failed"))
		})

		It("returns 502 when the generation produces no text", func() {
			prov = testutils.NewScriptedProvider()
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			body, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal("model provider returned no output"))

			Eventually(server.Inflight).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
			Expect(logs).To(gbytes.Say("generation produced no text"))
		})

		It("returns 502 when the stream fails before the first fragment", func() {
			scripted := testutils.NewScriptedProvider()
			scripted.StreamErr = errors.New("upstream exploded")
			prov = scripted
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(resp.Header.Get(relay.HeaderChatID)).To(BeEmpty())
			body, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal("model provider failed"))

			Eventually(server.Inflight).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
		})
	})

	Describe("cancellation", func() {
		It("stops a turn through the stop endpoint", func() {
			scripted := testutils.NewScriptedProvider("thinking")
			scripted.Hold = true
			finished := scripted.Finished()
			prov = scripted
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			defer resp.Body.Close()
			first := make([]byte, len("thinking"))
			_, err := io.ReadFull(resp.Body, first)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(first)).To(Equal("thinking"))

			Expect(stop(resp.Header.Get(relay.HeaderRequestID))).To(Equal(http.StatusNoContent))
			Eventually(finished).Should(Receive(MatchError(context.Canceled)))

			_, err = io.ReadAll(resp.Body)
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
			Eventually(server.Inflight).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
		})

		It("returns 404 when stopping an unknown request", func() {
			start()
			Expect(stop("nope")).To(Equal(http.StatusNotFound))
		})

		It("cancels the provider when the client disconnects", func() {
			ticking := &tickingProvider{cancelled: make(chan error, 1)}
			prov = ticking
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			first := make([]byte, 4)
			_, err := io.ReadFull(resp.Body, first)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Body.Close()).To(Succeed())
			client.CloseIdleConnections()

			Eventually(ticking.cancelled, 5*time.Second).Should(Receive())
			Eventually(server.Inflight, 5*time.Second).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
		})

		It("records nothing when the client leaves before a finite stream ends", func() {
			scripted := testutils.NewScriptedProvider("first", "second", "third")
			scripted.Delay = 200 * time.Millisecond
			finished := scripted.Finished()
			prov = scripted
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			first := make([]byte, len("first"))
			_, err := io.ReadFull(resp.Body, first)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Body.Close()).To(Succeed())
			client.CloseIdleConnections()

			Eventually(finished, 5*time.Second).Should(Receive())
			Eventually(server.Inflight, 5*time.Second).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
			Expect(logs).To(gbytes.Say("client disconnected"))
			Consistently(publisher.Events, 300*time.Millisecond).Should(BeEmpty())
		})

		It("never records a turn whose stop was acknowledged", func() {
			gated := &gatedProvider{release: make(chan struct{})}
			prov = gated
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			defer resp.Body.Close()
			first := make([]byte, len("done"))
			_, err := io.ReadFull(resp.Body, first)
			Expect(err).NotTo(HaveOccurred())

			Expect(stop(resp.Header.Get(relay.HeaderRequestID))).To(Equal(http.StatusNoContent))
			close(gated.release)

			_, err = io.ReadAll(resp.Body)
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
			Eventually(server.Inflight).Should(BeZero())
			Expect(driver.recordCalls.Load()).To(BeZero())
		})

		It("answers 404 to a stop for a turn that was already recorded", func() {
			start()
			resp := post(chatBody{Messages: userSays("Hi")})
			chatID := resp.Header.Get(relay.HeaderChatID)
			_, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() ([]*storage.Message, error) {
				return driver.Messages(context.Background(), chatID)
			}).Should(HaveLen(2))
			Expect(stop(resp.Header.Get(relay.HeaderRequestID))).To(Equal(http.StatusNotFound))
		})

		It("cancels held turns when the server closes", func() {
			scripted := testutils.NewScriptedProvider("thinking")
			scripted.Hold = true
			prov = scripted
			start()

			resp := post(chatBody{Messages: userSays("Hi")})
			defer resp.Body.Close()
			first := make([]byte, len("thinking"))
			_, err := io.ReadFull(resp.Body, first)
			Expect(err).NotTo(HaveOccurred())

			Expect(server.Close()).To(Succeed())
			Expect(server.Inflight()).To(BeZero())
			_, err = io.ReadAll(resp.Body)
			Expect(err).To(HaveOccurred())
			Expect(driver.recordCalls.Load()).To(BeZero())
		})
	})

	Describe("persistence failure", func() {
		BeforeEach(func() {
			driver.recordErr = errors.New("disk full")
		})

		It("still completes the body, then logs and publishes the failure", func() {
			start()
			resp := post(chatBody{Messages: userSays("Hi"), UserID: "u1"})
			chatID := resp.Header.Get(relay.HeaderChatID)
			body, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal("Hello!"))

			Eventually(logs).Should(gbytes.Say(`"msg":"persisting turn failed"`))
			Expect(string(logs.Contents())).To(ContainSubstring(chatID))

			Eventually(publisher.Events).Should(HaveLen(1))
			ev := publisher.Events()[0]
			Expect(ev.EventType).To(Equal(eventstream.EventTypeTurnPersistFailed))
			Expect(ev.Error).To(ContainSubstring("disk full"))
		})

		It("aborts the body in durable flush mode", func() {
			cfg.DurableFlush = true
			start()
			resp := post(chatBody{Messages: userSays("Hi")})
			body, err := readAll(resp)
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
			Expect(body).To(Equal("Hello!"))
		})
	})

	Describe("durable flush", func() {
		It("has the turn persisted by the time the body ends", func() {
			cfg.DurableFlush = true
			start()
			resp := post(chatBody{Messages: userSays("Hi")})
			chatID := resp.Header.Get(relay.HeaderChatID)
			_, err := readAll(resp)
			Expect(err).NotTo(HaveOccurred())

			msgs, err := driver.Messages(context.Background(), chatID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
		})
	})

	Describe("model selection", func() {
		var scripted *testutils.ScriptedProvider

		BeforeEach(func() {
			scripted = testutils.NewScriptedProvider("ok")
			prov = scripted
			cfg.Models = []string{"fancy-model"}
		})

		It("honors an allowed model", func() {
			start()
			_, _ = readAll(post(chatBody{Messages: userSays("Hi"), Model: "fancy-model"}))
			Expect(scripted.Requests()[0].Model).To(Equal("fancy-model"))
		})

		It("falls back to the default model otherwise", func() {
			start()
			_, _ = readAll(post(chatBody{Messages: userSays("Hi"), Model: "unlisted"}))
			Expect(scripted.Requests()[0].Model).To(Equal("test-model"))
		})

		It("forwards the full history", func() {
			start()
			history := llm.History{
				{Role: llm.RoleUser, Content: "a"},
				{Role: llm.RoleAssistant, Content: "b"},
				{Role: llm.RoleUser, Content: "c"},
			}
			_, _ = readAll(post(chatBody{Messages: history}))
			Expect(scripted.Requests()[0].Messages).To(Equal(history))
		})
	})

	Describe("idempotency keys", func() {
		It("resolve repeated submissions to one chat", func() {
			start()
			first := post(chatBody{Messages: userSays("Hi"), UserID: "u1"}, relay.HeaderIdempotencyKey, "k1")
			_, _ = readAll(first)
			second := post(chatBody{Messages: userSays("Hi"), UserID: "u1"}, relay.HeaderXIdempotencyKey, "k1")
			_, _ = readAll(second)

			Expect(second.Header.Get(relay.HeaderChatID)).To(Equal(first.Header.Get(relay.HeaderChatID)))
			convs, err := driver.ListConversations(context.Background(), "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))
		})

		It("create separate chats without a key", func() {
			start()
			_, _ = readAll(post(chatBody{Messages: userSays("Hi"), UserID: "u1"}))
			_, _ = readAll(post(chatBody{Messages: userSays("Hi"), UserID: "u1"}))

			convs, err := driver.ListConversations(context.Background(), "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(2))
		})
	})
})

var _ = Describe("New", func() {
	It("requires a driver and a provider", func() {
		_, err := relay.New(relay.Config{}, nil, testutils.NewScriptedProvider(), nil)
		Expect(err).To(HaveOccurred())
		_, err = relay.New(relay.Config{}, inmemory.NewDriver(), nil, nil)
		Expect(err).To(HaveOccurred())
	})

	It("serves CORS preflight with the exposed headers", func() {
		s, err := relay.New(relay.Config{}, inmemory.NewDriver(), testutils.NewScriptedProvider("x"), nil)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		resp, err := s.App().Test(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		Expect(resp.Header.Get("Access-Control-Expose-Headers")).To(ContainSubstring(relay.HeaderChatID))
	})
})
