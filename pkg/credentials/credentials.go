// Package credentials stores provider API keys in credentials.toml inside
// the .chatrelay/ directory.
package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/papercomputeco/chatrelay/pkg/dotdir"
)

const (
	credentialsFile = "credentials.toml"

	currentVersion = 0
)

// keyedProvider is a provider that authenticates with an API key.
type keyedProvider struct {
	name   string
	envVar string
}

// keyedProviders is ordered as SupportedProviders reports it.
var keyedProviders = []keyedProvider{
	{name: "openrouter", envVar: "OPENROUTER_API_KEY"},
	{name: "openai", envVar: "OPENAI_API_KEY"},
}

// Manager reads and writes one credentials.toml.
type Manager struct {
	path string
}

// NewManager resolves the .chatrelay/ directory (override first, then the
// usual lookup, creating ~/.chatrelay/ if nothing exists) and returns a
// Manager for the credentials file in it.
func NewManager(override string) (*Manager, error) {
	dir, err := dotdir.NewManager().Ensure(override)
	if err != nil {
		return nil, err
	}
	return &Manager{path: filepath.Join(dir, credentialsFile)}, nil
}

// Load returns the stored credentials. A missing file is not an error.
func (m *Manager) Load() (*Credentials, error) {
	creds := &Credentials{Version: currentVersion}

	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading credentials: %w", err)
	default:
		if _, err := toml.Decode(string(data), creds); err != nil {
			return nil, fmt.Errorf("parsing credentials %s: %w", m.path, err)
		}
	}

	if creds.Providers == nil {
		creds.Providers = make(map[string]ProviderCredential)
	}
	return creds, nil
}

// Save replaces credentials.toml with creds. The file is written next to
// the target with 0600 permissions and renamed into place.
func (m *Manager) Save(creds *Credentials) error {
	if creds == nil {
		return errors.New("cannot save nil credentials")
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(creds); err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), credentialsFile+".*")
	if err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

func (m *Manager) update(change func(*Credentials)) error {
	creds, err := m.Load()
	if err != nil {
		return err
	}
	change(creds)
	return m.Save(creds)
}

// SetKey stores key for provider, replacing any earlier one.
func (m *Manager) SetKey(provider, key string) error {
	return m.update(func(c *Credentials) {
		c.Providers[provider] = ProviderCredential{APIKey: key}
	})
}

// GetKey returns the key stored for provider, or "" when there is none.
func (m *Manager) GetKey(provider string) (string, error) {
	creds, err := m.Load()
	if err != nil {
		return "", err
	}
	return creds.Providers[provider].APIKey, nil
}

// RemoveKey forgets the key for provider. Removing a missing key succeeds.
func (m *Manager) RemoveKey(provider string) error {
	return m.update(func(c *Credentials) {
		delete(c.Providers, provider)
	})
}

// ListProviders returns the providers with a stored key, sorted by name.
func (m *Manager) ListProviders() ([]string, error) {
	creds, err := m.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(creds.Providers))
	for name := range creds.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// GetTarget returns the path of the credentials file.
func (m *Manager) GetTarget() string {
	return m.path
}

// EnvVarForProvider names the environment variable that carries provider's
// key, or returns "" for providers without one.
func EnvVarForProvider(provider string) string {
	for _, p := range keyedProviders {
		if p.name == provider {
			return p.envVar
		}
	}
	return ""
}

// SupportedProviders lists the providers `chatrelay auth` can store keys for.
func SupportedProviders() []string {
	names := make([]string, len(keyedProviders))
	for i, p := range keyedProviders {
		names[i] = p.name
	}
	return names
}

func IsSupportedProvider(provider string) bool {
	return EnvVarForProvider(provider) != ""
}

// ResolveAPIKey picks the key a provider should use. A key set in config wins,
// then the provider's environment variable, then credentials.toml. A nil
// manager skips the file lookup.
func ResolveAPIKey(m *Manager, provider, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	envVar := EnvVarForProvider(provider)
	if envVar == "" {
		return "", nil
	}
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	if m == nil {
		return "", nil
	}
	return m.GetKey(provider)
}
