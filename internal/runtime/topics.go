package runtime

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

// CleanupPolicy selects how the broker reclaims space on a topic.
type CleanupPolicy string

const (
	CleanupDelete  CleanupPolicy = "delete"
	CleanupCompact CleanupPolicy = "compact"
)

// TopicConfig declares a topic. Immutable after registration within a
// process: registered at startup, read-only thereafter.
type TopicConfig struct {
	// Name is the unique key.
	Name string

	// Schema optionally declares payload shape and serializer kind.
	Schema *schemapkg.Schema

	// Partitions and ReplicationFactor describe the broker-side layout; the
	// runtime records them for declaration tooling, it does not create
	// topics itself.
	Partitions        int
	ReplicationFactor int

	// Retention is how long the broker keeps records.
	Retention time.Duration

	// Cleanup selects delete or compact. Defaults to delete.
	Cleanup CleanupPolicy
}

func (t TopicConfig) withDefaults() TopicConfig {
	if t.Partitions <= 0 {
		t.Partitions = 1
	}
	if t.ReplicationFactor <= 0 {
		t.ReplicationFactor = 1
	}
	if t.Cleanup == "" {
		t.Cleanup = CleanupDelete
	}
	return t
}

// TopicRegistry is the process-wide mapping from topic name to declared
// configuration. Registration is additive and idempotent for repeated
// identical registration; conflicting re-registration is a startup-time
// fatal configuration error.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]TopicConfig
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string]TopicConfig)}
}

// Register adds cfg to the registry. Re-registering an identical config is a
// no-op; re-registering the same name with a different config returns
// ErrTopicConflict.
func (r *TopicRegistry) Register(cfg TopicConfig) error {
	if cfg.Name == "" {
		return errspkg.ErrTopicRequired
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.topics[cfg.Name]; ok {
		if reflect.DeepEqual(existing, cfg) {
			return nil
		}
		return fmt.Errorf("%w: %q", errspkg.ErrTopicConflict, cfg.Name)
	}

	r.topics[cfg.Name] = cfg
	return nil
}

// Get returns the config registered for name.
func (r *TopicRegistry) Get(name string) (TopicConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.topics[name]
	return cfg, ok
}

// All returns every registered config, sorted by name.
func (r *TopicRegistry) All() []TopicConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]TopicConfig, 0, len(r.topics))
	for _, cfg := range r.topics {
		all = append(all, cfg)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}
