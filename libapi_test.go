package flowmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmq/flowmq"
	_ "github.com/flowmq/flowmq/driver/channel"
)

// The facade must be enough to build and run a pipeline without touching
// internal packages.
func TestFacadePipeline(t *testing.T) {
	svc, err := flowmq.NewService(&flowmq.Config{
		Backend:         flowmq.BackendChannel,
		ShutdownTimeout: 2 * time.Second,
	}, flowmq.NopLogger())
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	if err := svc.RegisterTopic(flowmq.TopicConfig{
		Name:       "orders.incoming",
		Partitions: 3,
		Schema:     &flowmq.Schema{Kind: flowmq.SchemaKindJSON, Rules: map[string]any{"order_id": "required"}},
	}); err != nil {
		t.Fatalf("register topic: %v", err)
	}

	processed := make(chan string, 1)
	if _, err := svc.RegisterWorker(flowmq.WorkerRegistration{
		Name:       "auditor",
		InputTopic: "orders.incoming",
		Retry:      flowmq.DefaultRetryPolicy(),
		Handler: func(ctx context.Context, msg *flowmq.Inbound) ([]flowmq.Outbound, error) {
			payload, ok := msg.Payload.(map[string]any)
			if !ok {
				return nil, flowmq.Permanent(errors.New("unexpected payload shape"))
			}
			processed <- payload["order_id"].(string)
			return nil, nil
		},
		Hooks: flowmq.LoggingHooks(flowmq.NopLogger()),
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer svc.Shutdown(context.Background())

	receipt, err := svc.Producer().Send(context.Background(), "orders.incoming",
		map[string]any{"order_id": "o-1"},
		flowmq.WithEvent("order.created"),
		flowmq.WithWait(true),
	)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !receipt.Acked {
		t.Fatalf("waiting send must be acked")
	}

	select {
	case got := <-processed:
		if got != "o-1" {
			t.Fatalf("wrong payload processed: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message never processed")
	}
}

func TestFacadeSchemaRejection(t *testing.T) {
	svc, err := flowmq.NewService(&flowmq.Config{Backend: flowmq.BackendChannel}, flowmq.NopLogger())
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	if err := svc.RegisterTopic(flowmq.TopicConfig{
		Name:   "orders.incoming",
		Schema: &flowmq.Schema{Kind: flowmq.SchemaKindJSON, Rules: map[string]any{"order_id": "required"}},
	}); err != nil {
		t.Fatalf("register topic: %v", err)
	}

	_, err = svc.Producer().Send(context.Background(), "orders.incoming", map[string]any{"other": 1})
	if !flowmq.IsSchemaError(err) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestFacadeErrorHelpers(t *testing.T) {
	cause := errors.New("boom")

	if !flowmq.IsPermanent(flowmq.Permanent(cause)) {
		t.Fatalf("permanent classification lost through the facade")
	}

	var ra *flowmq.RetryAfterError
	if !errors.As(flowmq.RetryAfter(time.Second, cause), &ra) {
		t.Fatalf("retry-after type lost through the facade")
	}
}

func TestFacadeIdentifiers(t *testing.T) {
	id := flowmq.CreateULID()
	if len(id) != 26 {
		t.Fatalf("unexpected id length: %q", id)
	}

	md := flowmq.NewMetadata(flowmq.HeaderEventName, "order.created")
	if md.Get(flowmq.HeaderEventName) != "order.created" {
		t.Fatalf("metadata helpers broken: %+v", md)
	}
}
