package config

import "time"

const (
	defaultRelayListen    = ":3001"
	defaultAPIListen      = ":3002"
	defaultAnonymousUser  = "anonymous-user"
	defaultPersistTimeout = 10 * time.Second
	defaultAllowOrigins   = "*"

	defaultProviderType     = "openrouter"
	defaultProviderUpstream = "https://openrouter.ai/api/v1"
	defaultProviderModel    = "gryphe/mythomax-l2-13b"

	defaultStorageDriver = "memory"

	defaultEventStreamType  = "none"
	defaultEventStreamTopic = "chatrelay.turns"

	defaultClientRelayTarget = "http://localhost:3001"
	defaultClientAPITarget   = "http://localhost:3002"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Relay: RelayConfig{
			Listen:         defaultRelayListen,
			AnonymousUser:  defaultAnonymousUser,
			PersistTimeout: defaultPersistTimeout,
			AllowOrigins:   defaultAllowOrigins,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Provider: ProviderConfig{
			Type:     defaultProviderType,
			Upstream: defaultProviderUpstream,
			Model:    defaultProviderModel,
		},
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		EventStream: EventStreamConfig{
			Type:  defaultEventStreamType,
			Topic: defaultEventStreamTopic,
		},
		Client: ClientConfig{
			RelayTarget: defaultClientRelayTarget,
			APITarget:   defaultClientAPITarget,
		},
	}
}
