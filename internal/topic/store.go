// Package topic persists topic configuration and owns the per-topic
// event sequence counters.
package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hookline/hookline/internal/schema"
)

// Common errors
var (
	ErrTopicExists     = errors.New("topic already exists")
	ErrTopicNotFound   = errors.New("topic not found")
	ErrSchemaRemoved   = errors.New("schema updates are additive-only")
	ErrDuplicateSchema = errors.New("duplicate event type in schema set")
	ErrInvalidTopic    = errors.New("invalid topic")
)

// ConfigError wraps a failure to durably persist topic configuration.
type ConfigError struct {
	Topic string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("topic config error for %q: %v", e.Topic, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the persistence unit for a topic, stored as one JSON document at
// <configRoot>/<tenant>/<namespace>/<name>.json.
type Config struct {
	ResourceID          string              `json:"resourceId"`
	TenantResourceID    string              `json:"tenantResourceId"`
	NamespaceResourceID string              `json:"namespaceResourceId"`
	Name                string              `json:"name"`
	Sequence            uint64              `json:"sequence"`
	Schemas             []schema.Definition `json:"schemas"`
}

// topicState pairs the in-memory config with the mutex that serializes
// sequence increments for the topic.
type topicState struct {
	mu     sync.Mutex
	config Config
	tenant string
	ns     string
}

// Store manages topic configs under a config root directory.
type Store struct {
	root string

	mu     sync.RWMutex
	topics map[string]*topicState // keyed by Ref.String()
}

// NewStore creates a topic store rooted at configRoot and loads any existing
// topic configs from disk.
func NewStore(configRoot string) (*Store, error) {
	s := &Store{
		root:   configRoot,
		topics: make(map[string]*topicState),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load walks the config root and reads every topic config into memory.
// The on-disk sequence counter is authoritative after a restart.
func (s *Store) load() error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			// Not a <tenant>/<namespace>/<topic>.json file; skip.
			return nil
		}

		data, err := os.ReadFile(path) // #nosec G304 -- path is under the configured root
		if err != nil {
			return fmt.Errorf("failed to read topic config %s: %w", path, err)
		}
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse topic config %s: %w", path, err)
		}

		ref := Ref{Tenant: parts[0], Namespace: parts[1], Name: strings.TrimSuffix(parts[2], ".json")}
		s.topics[ref.String()] = &topicState{config: cfg, tenant: ref.Tenant, ns: ref.Namespace}
		return nil
	})
}

// CreateTopic persists a new topic config. Fails with ErrTopicExists when the
// config file is already present.
func (s *Store) CreateTopic(cfg Config, tenant, namespace string) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidTopic)
	}
	if err := checkDuplicates(cfg.Schemas); err != nil {
		return err
	}

	ref := Ref{Tenant: tenant, Namespace: namespace, Name: cfg.Name}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[ref.String()]; ok {
		return fmt.Errorf("%w: %s", ErrTopicExists, ref)
	}
	if _, err := os.Stat(s.configPath(ref)); err == nil {
		return fmt.Errorf("%w: %s", ErrTopicExists, ref)
	}

	st := &topicState{config: cfg, tenant: tenant, ns: namespace}
	if err := s.persist(ref, &st.config); err != nil {
		return &ConfigError{Topic: ref.String(), Err: err}
	}
	s.topics[ref.String()] = st
	return nil
}

// GetTopic returns a copy of the topic config.
func (s *Store) GetTopic(name, tenant, namespace string) (Config, error) {
	st, err := s.state(Ref{Tenant: tenant, Namespace: namespace, Name: name})
	if err != nil {
		return Config{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return copyConfig(st.config), nil
}

// GetAllTopics returns copies of every topic config within a tenant/namespace,
// sorted by name.
func (s *Store) GetAllTopics(tenant, namespace string) []Config {
	s.mu.RLock()
	states := make([]*topicState, 0, len(s.topics))
	for _, st := range s.topics {
		if st.tenant == tenant && st.ns == namespace {
			states = append(states, st)
		}
	}
	s.mu.RUnlock()

	configs := make([]Config, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		configs = append(configs, copyConfig(st.config))
		st.mu.Unlock()
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs
}

// AllConfigs returns copies of every topic config across tenants, keyed by
// the fully-qualified topic name. Used at startup to rebuild the schema
// registry from disk.
func (s *Store) AllConfigs() map[string]Config {
	s.mu.RLock()
	states := make(map[string]*topicState, len(s.topics))
	for name, st := range s.topics {
		states[name] = st
	}
	s.mu.RUnlock()

	out := make(map[string]Config, len(states))
	for name, st := range states {
		st.mu.Lock()
		out[name] = copyConfig(st.config)
		st.mu.Unlock()
	}
	return out
}

// TopicExists reports whether the topic is known.
func (s *Store) TopicExists(name, tenant, namespace string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[Ref{Tenant: tenant, Namespace: namespace, Name: name}.String()]
	return ok
}

// UpdateSchemas replaces the topic's schema set. Updates are additive-only:
// every existing event type must be present in the incoming set, and the
// incoming set must not contain duplicate event types. Rejections happen
// before any write.
func (s *Store) UpdateSchemas(name, tenant, namespace string, newSchemas []schema.Definition) (Config, error) {
	ref := Ref{Tenant: tenant, Namespace: namespace, Name: name}
	st, err := s.state(ref)
	if err != nil {
		return Config{}, err
	}

	if err := checkDuplicates(newSchemas); err != nil {
		return Config{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	incoming := make(map[string]bool, len(newSchemas))
	for _, def := range newSchemas {
		incoming[def.EventType] = true
	}
	for _, def := range st.config.Schemas {
		if !incoming[def.EventType] {
			return Config{}, fmt.Errorf("%w: event type %q missing from update", ErrSchemaRemoved, def.EventType)
		}
	}

	updated := copyConfig(st.config)
	updated.Schemas = newSchemas
	if err := s.persist(ref, &updated); err != nil {
		return Config{}, &ConfigError{Topic: ref.String(), Err: err}
	}
	st.config = updated
	return copyConfig(st.config), nil
}

// GetAndIncrementSequence atomically allocates the next sequence number for
// the topic and returns the new value. The per-topic mutex covers the
// read-modify-write and the durable persist, so concurrent callers observe a
// strict monotonic ordering. On persistence failure the in-memory counter is
// not advanced past what was durably written.
func (s *Store) GetAndIncrementSequence(name, tenant, namespace string) (uint64, error) {
	ref := Ref{Tenant: tenant, Namespace: namespace, Name: name}
	st, err := s.state(ref)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.config.Sequence + 1
	updated := copyConfig(st.config)
	updated.Sequence = next
	if err := s.persist(ref, &updated); err != nil {
		return 0, &ConfigError{Topic: ref.String(), Err: err}
	}
	st.config.Sequence = next
	return next, nil
}

// state looks up the in-memory state for a topic.
func (s *Store) state(ref Ref) (*topicState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.topics[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, ref)
	}
	return st, nil
}

func (s *Store) configPath(ref Ref) string {
	return filepath.Join(s.root, ref.Tenant, ref.Namespace, ref.Name+".json")
}

// persist writes the config to a sibling temp file, fsyncs it and renames it
// onto the final name. Partial files are never observable under the final name.
func (s *Store) persist(ref Ref, cfg *Config) error {
	path := s.configPath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- path is under the configured root
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func checkDuplicates(defs []schema.Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.EventType == "" {
			return fmt.Errorf("%w: empty event type", ErrInvalidTopic)
		}
		if seen[def.EventType] {
			return fmt.Errorf("%w: %q", ErrDuplicateSchema, def.EventType)
		}
		seen[def.EventType] = true
	}
	return nil
}

func copyConfig(cfg Config) Config {
	out := cfg
	out.Schemas = make([]schema.Definition, len(cfg.Schemas))
	copy(out.Schemas, cfg.Schemas)
	return out
}
