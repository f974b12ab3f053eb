// Package relay streams model responses to chat clients and records each
// completed turn in the conversation store.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/llm/provider"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/relay/worker"
)

// Headers set on or read from chat requests.
const (
	HeaderChatID            = "X-Chat-ID"
	HeaderRequestID         = fiber.HeaderXRequestID
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderXIdempotencyKey   = "X-Idempotency-Key"
	contentTypePlainTextUTF = "text/plain; charset=utf-8"
)

// Server is the chat relay. Each POST /api/chat is one turn: the response
// is streamed from the provider to the client fragment by fragment, and the
// exchange is recorded once the provider finishes.
type Server struct {
	config   Config
	driver   storage.Driver
	provider provider.Provider
	pool     *worker.Pool
	logger   *slog.Logger
	app      *fiber.App
	stops    *stopRegistry

	// ctx is the parent of every turn context. It is cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelCauseFunc

	turns     sync.WaitGroup
	inflight  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

type chatRequest struct {
	Messages llm.History `json:"messages"`
	UserID   string      `json:"userId"`
	ChatID   string      `json:"chatId"`
	Model    string      `json:"model"`
}

// New creates a new relay Server.
func New(config Config, driver storage.Driver, prov provider.Provider, logger *slog.Logger) (*Server, error) {
	if driver == nil {
		return nil, errors.New("relay requires a storage driver")
	}
	if prov == nil {
		return nil, errors.New("relay requires a provider")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	config = config.withDefaults()

	pool, err := worker.NewPool(&worker.Config{
		Publisher:  config.Publisher,
		NumWorkers: config.EventWorkers,
		QueueSize:  config.EventQueueSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create event pool: %w", err)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Header:    HeaderRequestID,
		Generator: uuid.NewString,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  config.AllowOrigins,
		AllowHeaders:  "Content-Type, " + HeaderIdempotencyKey + ", " + HeaderXIdempotencyKey,
		ExposeHeaders: HeaderChatID + ", " + HeaderRequestID,
	}))

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Server{
		config:   config,
		driver:   driver,
		provider: prov,
		pool:     pool,
		logger:   logger,
		app:      app,
		stops:    newStopRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("Hello from the backend!")
	})
	app.Post("/api/chat", s.handleChat)
	app.Delete("/api/chat/:requestId", s.handleStop)

	return s, nil
}

// Run starts the relay server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting relay server",
		"listen", s.config.ListenAddr,
		"provider", s.provider.Name(),
		"model", s.config.DefaultModel,
	)
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the relay server using the provided listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting relay server",
		"listen", listener.Addr().String(),
		"provider", s.provider.Name(),
		"model", s.config.DefaultModel,
	)
	return s.app.Listener(listener)
}

// App exposes the underlying fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Inflight returns the number of turns that have not reached a terminal
// state.
func (s *Server) Inflight() int {
	return int(s.inflight.Load())
}

// Wait blocks until every in-flight turn is terminal.
func (s *Server) Wait() {
	s.turns.Wait()
}

// Shutdown stops accepting connections and waits for in-flight turns to
// finish. When ctx is done first, the remaining turns are cancelled. The
// event pool is drained last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- s.app.Shutdown() }()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			s.cancel(ErrShutdown)
			s.stops.stopAll(ErrShutdown)
			err = <-done
		}

		s.cancel(ErrShutdown)
		s.turns.Wait()
		s.closeErr = errors.Join(err, s.pool.Close())
	})
	return s.closeErr
}

// Close cancels in-flight turns, shuts the server down, and drains the event
// pool.
func (s *Server) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return s.Shutdown(ctx)
}

// handleChat runs the pre-stream phases of a turn synchronously so failures
// can still be reported with a status code, then hands the stream to relay.
func (s *Server) handleChat(c *fiber.Ctx) error {
	t := s.begin(string(c.Response().Header.Peek(HeaderRequestID)))
	streaming := false
	defer func() {
		if !streaming {
			s.end()
		}
	}()

	var req chatRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return s.reject(c, t, &PreconditionError{Reason: "body must be a JSON object"})
	}
	history := req.Messages.Clone()
	if err := history.Validate(); err != nil {
		return s.reject(c, t, &PreconditionError{Reason: err.Error()})
	}

	t.ownerID = req.UserID
	if t.ownerID == "" {
		t.ownerID = s.config.AnonymousUser
	}
	t.model = s.config.modelFor(req.Model)
	t.userContent = history.LastUserContent()

	t.transition(StateResolving)
	t.conversationID = req.ChatID
	if t.conversationID == "" {
		conv, err := s.driver.EnsureConversation(c.UserContext(), storage.EnsureRequest{
			OwnerID:     t.ownerID,
			SeedTitle:   history.FirstUserContent(),
			CreationKey: idempotencyKey(c),
		})
		if err != nil {
			t.fail(&ResolutionError{Err: err})
			return c.Status(fiber.StatusInternalServerError).SendString("failed to create chat")
		}
		t.conversationID = conv.ID
	}
	t.logger = t.logger.With("chat_id", t.conversationID)

	// The turn context must outlive the handler: fasthttp recycles its
	// RequestCtx once the handler returns, while the stream keeps running.
	ctx, cancel := context.WithCancelCause(s.ctx)
	if !s.stops.add(t.requestID, cancel) {
		t.requestID = uuid.NewString()
		t.logger = t.logger.With("request_id", t.requestID)
		c.Set(HeaderRequestID, t.requestID)
		s.stops.add(t.requestID, cancel)
	}
	t.ctx, t.cancel = ctx, cancel

	stream, err := s.provider.Generate(ctx, &llm.GenerateRequest{
		Model:    t.model,
		Messages: history,
	})
	if err != nil {
		s.stops.remove(t.requestID)
		cancel(nil)
		t.fail(&GenerationError{Err: err})
		return c.Status(fiber.StatusBadGateway).SendString("failed to reach model provider")
	}

	// Nothing is written before the first fragment, so a generation that
	// fails or produces no text is still answered with a status code.
	first, err := stream.Recv()
	if err != nil {
		status, msg, failure := preStreamFailure(t, err)
		stream.Close()
		s.stops.remove(t.requestID)
		cancel(nil)
		t.fail(failure)
		return c.Status(status).SendString(msg)
	}

	t.transition(StateStreaming)
	c.Set(fiber.HeaderContentType, contentTypePlainTextUTF)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	c.Set(HeaderChatID, t.conversationID)

	// pw.Write blocks until fasthttp's chunked body writer has read the
	// fragment, and that writer flushes to the socket after every chunk.
	pr, pw := io.Pipe()
	body := newBodyStream(pr)
	streaming = true
	go s.relay(t, stream, first, pw, body)

	// Unknown size (-1) selects chunked transfer encoding.
	c.Context().Response.SetBodyStream(body, -1)
	return nil
}

// preStreamFailure maps an error from the first Recv to the status, the
// body and the taxonomy error of the turn.
func preStreamFailure(t *turn, err error) (int, string, error) {
	switch {
	case t.ctx.Err() != nil:
		return fiber.StatusServiceUnavailable, "turn cancelled", &cancelledError{cause: context.Cause(t.ctx)}
	case errors.Is(err, io.EOF):
		return fiber.StatusBadGateway, "model provider returned no output", &GenerationError{Err: ErrEmptyGeneration}
	default:
		return fiber.StatusBadGateway, "model provider failed", &GenerationError{Err: err}
	}
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if !s.stops.stop(c.Params("requestId"), ErrStopped) {
		return c.Status(fiber.StatusNotFound).SendString("unknown request")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// relay forwards fragment and the rest of the stream to the client, then
// finalizes the turn.
func (s *Server) relay(t *turn, stream *llm.Stream, fragment string, pw *io.PipeWriter, body *bodyStream) {
	defer s.end()
	defer s.stops.remove(t.requestID)
	defer t.cancel(nil)
	defer stream.Close()

	for {
		if _, err := io.WriteString(pw, fragment); err != nil {
			t.cancel(ErrClientGone)
			s.abort(t, pw, &cancelledError{cause: ErrClientGone})
			return
		}
		t.fragments++

		var err error
		fragment, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.abort(t, pw, t.streamFailure(err))
			return
		}
	}

	// Once the turn leaves the registry a stop request gets 404. One that
	// got in before has already cancelled t.ctx.
	s.stops.remove(t.requestID)
	if t.ctx.Err() != nil {
		s.abort(t, pw, &cancelledError{cause: context.Cause(t.ctx)})
		return
	}
	if body.failed() {
		s.abort(t, pw, &cancelledError{cause: ErrClientGone})
		return
	}

	t.transition(StateFinalizing)
	record := &storage.Turn{
		ConversationID:   t.conversationID,
		OwnerID:          t.ownerID,
		UserContent:      t.userContent,
		AssistantContent: stream.Text(),
	}

	if s.config.DurableFlush {
		if err := s.persist(t, record); err != nil {
			_ = pw.CloseWithError(err)
			t.transition(StateFailed)
			return
		}
		_ = pw.Close()
		if err := body.wait(t.ctx); err != nil {
			t.logger.Info("client left after the turn was recorded", "error", err)
		}
		t.transition(StateDone)
		return
	}

	// The turn is recorded only once fasthttp has written the whole body.
	_ = pw.Close()
	if err := body.wait(t.ctx); err != nil {
		t.fail(&cancelledError{cause: err})
		return
	}
	if err := s.persist(t, record); err != nil {
		t.transition(StateFailed)
		return
	}
	t.transition(StateDone)
}

// abort ends the body without a terminating chunk so the client observes an
// incomplete response.
func (s *Server) abort(t *turn, pw *io.PipeWriter, err error) {
	_ = pw.CloseWithError(err)
	t.fail(err)
}

func (s *Server) persist(t *turn, record *storage.Turn) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PersistTimeout)
	defer cancel()

	if err := s.driver.RecordTurn(ctx, record); err != nil {
		perr := &PersistenceError{ConversationID: record.ConversationID, Err: err}
		t.logger.Error("persisting turn failed", "error", err)
		s.pool.Enqueue(s.event(t, record, eventstream.EventTypeTurnPersistFailed, perr))
		return perr
	}

	t.logger.Debug("turn persisted", "fragments", t.fragments)
	s.pool.Enqueue(s.event(t, record, eventstream.EventTypeTurnRecorded, nil))
	return nil
}

func (s *Server) event(t *turn, record *storage.Turn, eventType string, err error) *eventstream.TurnEvent {
	now := time.Now().UTC()
	ev := &eventstream.TurnEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     now,
		Source: eventstream.EventSource{
			Provider: s.provider.Name(),
			Model:    t.model,
		},
		RequestMeta: eventstream.TurnRequestMeta{
			RequestID:   t.requestID,
			StartedAt:   t.startedAt,
			CompletedAt: now,
			DurationMs:  now.Sub(t.startedAt).Milliseconds(),
			Fragments:   t.fragments,
		},
		Turn: eventstream.TurnPayload{
			ConversationID:   record.ConversationID,
			OwnerID:          record.OwnerID,
			UserContent:      record.UserContent,
			AssistantContent: record.AssistantContent,
		},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Server) reject(c *fiber.Ctx, t *turn, err *PreconditionError) error {
	t.fail(err)
	return c.Status(fiber.StatusBadRequest).SendString(err.Error())
}

func (s *Server) begin(requestID string) *turn {
	s.turns.Add(1)
	s.inflight.Add(1)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &turn{
		requestID: requestID,
		startedAt: time.Now().UTC(),
		state:     StateIdle,
		logger:    s.logger.With("request_id", requestID),
	}
}

func (s *Server) end() {
	s.inflight.Add(-1)
	s.turns.Done()
}

func idempotencyKey(c *fiber.Ctx) string {
	if key := c.Get(HeaderIdempotencyKey); key != "" {
		return key
	}
	return c.Get(HeaderXIdempotencyKey)
}
