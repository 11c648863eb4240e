package runtime

import (
	"errors"
	"testing"
	"time"

	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

func TestTopicRegistryRegisterAndGet(t *testing.T) {
	registry := NewTopicRegistry()

	err := registry.Register(TopicConfig{
		Name:       "orders.created",
		Partitions: 6,
		Retention:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cfg, ok := registry.Get("orders.created")
	if !ok {
		t.Fatalf("topic not found after registration")
	}
	if cfg.Partitions != 6 {
		t.Fatalf("expected 6 partitions, got %d", cfg.Partitions)
	}
	if cfg.ReplicationFactor != 1 || cfg.Cleanup != CleanupDelete {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestTopicRegistryIdenticalReRegistrationIsNoop(t *testing.T) {
	registry := NewTopicRegistry()
	cfg := TopicConfig{Name: "orders.created", Partitions: 3}

	if err := registry.Register(cfg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := registry.Register(cfg); err != nil {
		t.Fatalf("identical re-registration must be a no-op, got %v", err)
	}
}

func TestTopicRegistryConflictingReRegistrationFails(t *testing.T) {
	registry := NewTopicRegistry()

	if err := registry.Register(TopicConfig{Name: "orders.created", Partitions: 3}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}

	err := registry.Register(TopicConfig{Name: "orders.created", Partitions: 12})
	if !errors.Is(err, errspkg.ErrTopicConflict) {
		t.Fatalf("expected ErrTopicConflict, got %v", err)
	}
}

func TestTopicRegistryConflictOnSchemaChange(t *testing.T) {
	registry := NewTopicRegistry()

	if err := registry.Register(TopicConfig{Name: "orders.created"}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}

	err := registry.Register(TopicConfig{
		Name:   "orders.created",
		Schema: &schemapkg.Schema{Kind: schemapkg.KindJSON, Rules: map[string]any{"id": "required"}},
	})
	if !errors.Is(err, errspkg.ErrTopicConflict) {
		t.Fatalf("adding a schema is a conflicting re-registration, got %v", err)
	}
}

func TestTopicRegistryRequiresName(t *testing.T) {
	registry := NewTopicRegistry()
	if err := registry.Register(TopicConfig{}); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
}

func TestTopicRegistryAllSorted(t *testing.T) {
	registry := NewTopicRegistry()
	for _, name := range []string{"zulu", "alpha", "mike"} {
		if err := registry.Register(TopicConfig{Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	all := registry.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 topics, got %d", len(all))
	}
	if all[0].Name != "alpha" || all[1].Name != "mike" || all[2].Name != "zulu" {
		t.Fatalf("topics not sorted: %v", all)
	}
}
