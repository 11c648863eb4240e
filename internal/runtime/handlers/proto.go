package handlers

import (
	"context"
	"errors"
	"reflect"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/flowmq/flowmq/internal/runtime"
	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	loggingpkg "github.com/flowmq/flowmq/internal/runtime/logging"
	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
)

// ProtoContext provides strongly typed access to the incoming protobuf
// payload.
type ProtoContext[T proto.Message] struct {
	Payload T
	Msg     *runtimepkg.Inbound
	Logger  loggingpkg.ServiceLogger
}

// CloneHeaders copies the inbound headers so handlers can mutate them safely.
func (c ProtoContext[T]) CloneHeaders() metadatapkg.Metadata {
	return c.Msg.Headers.Clone()
}

// ProtoOutput describes an event emitted after the handler succeeds. Message
// may be any registered proto type, not just T.
type ProtoOutput struct {
	Message proto.Message
	Key     []byte
	Headers metadatapkg.Metadata
}

// ProtoHandler processes a typed protobuf payload and returns the events to
// emit.
type ProtoHandler[T proto.Message] func(ctx context.Context, event ProtoContext[T]) ([]ProtoOutput, error)

// Proto converts a typed protobuf handler into a ProcessFunc. When the topic
// declares a proto schema the runtime has already decoded the payload and the
// adapter only asserts the type; otherwise it unmarshals the raw bytes
// itself. Type mismatches and decode failures are schema errors.
func Proto[T proto.Message](handler ProtoHandler[T], logger loggingpkg.ServiceLogger) (runtimepkg.ProcessFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrProcessorRequired
	}

	prototype, err := protoPrototype[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *runtimepkg.Inbound) ([]runtimepkg.Outbound, error) {
		typed, err := typedPayload(prototype, msg)
		if err != nil {
			return nil, err
		}

		outgoing, err := handler(ctx, ProtoContext[T]{
			Payload: typed,
			Msg:     msg,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}

		return convertProtoOutputs(outgoing)
	}, nil
}

func typedPayload[T proto.Message](prototype T, msg *runtimepkg.Inbound) (T, error) {
	var zero T

	if decoded, ok := msg.Payload.(T); ok {
		return decoded, nil
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)
	typed, ok := cloned.(T)
	if !ok {
		return zero, errspkg.NewSchemaError(msg.Topic, "payload", errors.New("prototype clone has unexpected type"))
	}
	if err := proto.Unmarshal(msg.Raw, typed); err != nil {
		return zero, errspkg.NewSchemaError(msg.Topic, "decode", err)
	}
	return typed, nil
}

func protoPrototype[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, errspkg.ErrMessageTypeRequired
	}
	return typed, nil
}

func convertProtoOutputs(outputs []ProtoOutput) ([]runtimepkg.Outbound, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]runtimepkg.Outbound, len(outputs))
	for i, out := range outputs {
		if out.Message == nil {
			return nil, errors.New("flowmq: proto handler emitted nil message")
		}
		result[i] = runtimepkg.Outbound{
			Payload: out.Message,
			Key:     out.Key,
			Headers: out.Headers,
		}
	}
	return result, nil
}
