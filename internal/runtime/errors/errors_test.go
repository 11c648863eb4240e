package errors

import (
	sterrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestPermanent(t *testing.T) {
	cause := sterrors.New("downstream rejected the order")
	err := Permanent(cause)

	if !IsPermanent(err) {
		t.Fatalf("Permanent result not recognised")
	}
	if !sterrors.Is(err, cause) {
		t.Fatalf("cause not unwrappable")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must stay nil")
	}
}

func TestIsPermanentOnWrappedErrors(t *testing.T) {
	err := fmt.Errorf("handling order: %w", Permanent(sterrors.New("bad state")))
	if !IsPermanent(err) {
		t.Fatalf("wrapped permanent error not recognised")
	}

	if IsPermanent(sterrors.New("transient")) {
		t.Fatalf("plain error must not be permanent")
	}
	if IsPermanent(nil) {
		t.Fatalf("nil must not be permanent")
	}
}

func TestSchemaErrorsArePermanent(t *testing.T) {
	err := NewSchemaError("orders", "validate", sterrors.New("missing field"))

	if !IsSchemaError(err) {
		t.Fatalf("schema error not recognised")
	}
	if !IsPermanent(err) {
		t.Fatalf("schema errors must be permanent")
	}

	wrapped := fmt.Errorf("decode: %w", err)
	if !IsSchemaError(wrapped) || !IsPermanent(wrapped) {
		t.Fatalf("wrapped schema error lost its classification")
	}
}

func TestRetryAfter(t *testing.T) {
	cause := sterrors.New("rate limited")
	err := RetryAfter(30*time.Second, cause)

	var ra *RetryAfterError
	if !sterrors.As(err, &ra) {
		t.Fatalf("RetryAfterError not recognised")
	}
	if ra.After != 30*time.Second {
		t.Fatalf("delay not carried: %s", ra.After)
	}
	if IsPermanent(err) {
		t.Fatalf("retry-after errors stay retryable")
	}
	if RetryAfter(time.Second, nil) != nil {
		t.Fatalf("RetryAfter(nil) must stay nil")
	}
}

func TestProduceErrorUnwrap(t *testing.T) {
	cause := sterrors.New("not leader for partition")
	err := &ProduceError{Topic: "orders", Err: cause}

	if !sterrors.Is(err, cause) {
		t.Fatalf("cause not unwrappable")
	}

	var pe *ProduceError
	if !sterrors.As(fmt.Errorf("send: %w", err), &pe) {
		t.Fatalf("wrapped produce error not recognised")
	}
	if pe.Topic != "orders" {
		t.Fatalf("topic lost: %q", pe.Topic)
	}
}

func TestCommitErrorMessage(t *testing.T) {
	cause := sterrors.New("group rebalanced")
	err := &CommitError{Topic: "orders", Partition: 2, Offset: 41, Err: cause}

	if !sterrors.Is(err, cause) {
		t.Fatalf("cause not unwrappable")
	}
	want := `flowmq: commit of orders/2@41 failed: group rebalanced`
	if err.Error() != want {
		t.Fatalf("message wrong: %q", err.Error())
	}
}
