package relay

import (
	"slices"
	"time"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
)

const (
	// DefaultAnonymousUser owns turns submitted without a userId.
	DefaultAnonymousUser = "anonymous-user"

	// DefaultPersistTimeout bounds the RecordTurn call of each turn.
	DefaultPersistTimeout = 10 * time.Second
)

// Config is the relay server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":5000")
	ListenAddr string

	// AnonymousUser is the owner used when a request carries no userId.
	AnonymousUser string

	// DefaultModel is sent to the provider unless the request names a model
	// listed in Models.
	DefaultModel string

	// Models is the allowlist of models a request may select.
	Models []string

	// DurableFlush persists each turn before the response body is finished,
	// and aborts the body if persistence fails.
	DurableFlush bool

	// PersistTimeout bounds RecordTurn (defaults to 10s).
	PersistTimeout time.Duration

	// AllowOrigins is the CORS allow-origins list ("*" when empty).
	AllowOrigins string

	// Publisher receives turn events. Events are dropped when it is nil.
	Publisher eventstream.Publisher

	// EventWorkers and EventQueueSize size the event publishing pool.
	EventWorkers   uint
	EventQueueSize uint
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AnonymousUser == "" {
		out.AnonymousUser = DefaultAnonymousUser
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = DefaultPersistTimeout
	}
	if out.AllowOrigins == "" {
		out.AllowOrigins = "*"
	}
	if out.Publisher == nil {
		out.Publisher = eventstream.Discard()
	}
	return out
}

// modelFor returns the model a request should use.
func (c *Config) modelFor(requested string) string {
	if requested != "" && slices.Contains(c.Models, requested) {
		return requested
	}
	return c.DefaultModel
}
