// Package handlers provides typed adapters that turn strongly typed
// processing functions into the runtime's ProcessFunc, handling the decode
// and output conversion boilerplate.
package handlers

import (
	"context"
	"errors"
	"reflect"

	runtimepkg "github.com/flowmq/flowmq/internal/runtime"
	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/jsoncodec"
	loggingpkg "github.com/flowmq/flowmq/internal/runtime/logging"
	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
)

// JSONContext exposes the decoded payload and the raw inbound message to a
// typed JSON handler.
type JSONContext[T any] struct {
	Payload T
	Msg     *runtimepkg.Inbound
	Logger  loggingpkg.ServiceLogger
}

// CloneHeaders copies the inbound headers so handlers can mutate them safely.
func (c JSONContext[T]) CloneHeaders() metadatapkg.Metadata {
	return c.Msg.Headers.Clone()
}

// JSONOutput is an event emitted by a typed JSON handler.
type JSONOutput[O any] struct {
	Message O
	Key     []byte
	Headers metadatapkg.Metadata
}

// JSONHandler processes a typed JSON payload and returns the events to
// publish.
type JSONHandler[T any, O any] func(ctx context.Context, event JSONContext[T]) ([]JSONOutput[O], error)

// JSON converts a typed JSON handler into a ProcessFunc. T must be a pointer
// type; each message gets a fresh instance. Decode failures are schema
// errors, so they bypass the retry budget.
func JSON[T any, O any](handler JSONHandler[T, O], logger loggingpkg.ServiceLogger) (runtimepkg.ProcessFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrProcessorRequired
	}

	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *runtimepkg.Inbound) ([]runtimepkg.Outbound, error) {
		typed := newPayload()

		if err := jsoncodec.Unmarshal(msg.Raw, typed); err != nil {
			return nil, errspkg.NewSchemaError(msg.Topic, "decode", err)
		}

		outgoing, err := handler(ctx, JSONContext[T]{
			Payload: typed,
			Msg:     msg,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}

		return convertJSONOutputs(outgoing)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

func convertJSONOutputs[O any](outputs []JSONOutput[O]) ([]runtimepkg.Outbound, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]runtimepkg.Outbound, len(outputs))
	for i, out := range outputs {
		if reflect.ValueOf(out.Message).IsZero() {
			return nil, errors.New("flowmq: json handler emitted zero-value message")
		}
		result[i] = runtimepkg.Outbound{
			Payload: out.Message,
			Key:     out.Key,
			Headers: out.Headers,
		}
	}
	return result, nil
}
