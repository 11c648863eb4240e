// Package schema validates and (de)serializes payloads against a topic's
// declared schema.
//
// Two serializer kinds exist. The structured-binary kind carries a schema
// identifier (the fully-qualified protobuf message name) in the message
// headers, resolvable against the process-wide protobuf registry. The plain
// structured kind is JSON validated purely client-side against declared
// record rules.
//
// Schema mismatches are permanent errors and are never retried as transient.
package schema

import (
	stderrors "errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/jsoncodec"
)

// Kind selects the serializer for a topic.
type Kind string

const (
	// KindProto is the self-describing structured-binary form.
	KindProto Kind = "proto"
	// KindJSON is the plain structured-text form.
	KindJSON Kind = "json"
)

// Schema describes the payload shape declared for a topic.
type Schema struct {
	// Kind selects the serializer. Defaults to KindJSON when a Schema is
	// declared without one.
	Kind Kind

	// Name identifies the record shape; for KindProto it must be the
	// fully-qualified protobuf message name.
	Name string

	// Rules holds validator rules per field for KindJSON map payloads, in
	// go-playground/validator ValidateMap form (tag string or nested rules
	// map for nested records).
	Rules map[string]any
}

// ProtoValidator validates decoded protobuf payloads. Implementations
// typically forward to protovalidate or a custom struct validator.
type ProtoValidator interface {
	Validate(value any) error
}

// Codec validates and serializes payloads against declared schemas.
type Codec struct {
	validate       *validator.Validate
	protoValidator ProtoValidator
}

// NewCodec constructs a Codec. protoValidator may be nil to skip semantic
// validation of decoded protobuf payloads.
func NewCodec(protoValidator ProtoValidator) *Codec {
	return &Codec{
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		protoValidator: protoValidator,
	}
}

// ValidateAndSerialize checks payload against the declared schema and
// returns the wire bytes plus the schema id to stamp on the message headers.
// A nil schema passes raw bytes through unchanged and JSON-encodes anything
// else without validation.
func (c *Codec) ValidateAndSerialize(topic string, s *Schema, payload any) ([]byte, string, error) {
	if payload == nil {
		return nil, "", errors.NewSchemaError(topic, "nil payload", errors.ErrPayloadRequired)
	}

	if s == nil {
		if raw, ok := payload.([]byte); ok {
			return raw, "", nil
		}
		data, err := jsoncodec.Marshal(payload)
		if err != nil {
			return nil, "", errors.NewSchemaError(topic, "encode", err)
		}
		return data, "", nil
	}

	switch s.kind() {
	case KindProto:
		return c.serializeProto(topic, s, payload)
	case KindJSON:
		return c.serializeJSON(topic, s, payload)
	default:
		return nil, "", errors.NewSchemaError(topic, "serializer", fmt.Errorf("unknown kind %q", s.Kind))
	}
}

// DeserializeAndValidate is the inverse of ValidateAndSerialize. schemaID is
// the value read from the message headers; for structured-binary payloads it
// takes precedence over the declared name so producers can evolve schemas
// that remain resolvable in the shared registry.
func (c *Codec) DeserializeAndValidate(topic string, s *Schema, data []byte, schemaID string) (any, error) {
	if s == nil {
		return data, nil
	}

	switch s.kind() {
	case KindProto:
		return c.deserializeProto(topic, s, data, schemaID)
	case KindJSON:
		return c.deserializeJSON(topic, s, data)
	default:
		return nil, errors.NewSchemaError(topic, "serializer", fmt.Errorf("unknown kind %q", s.Kind))
	}
}

func (s *Schema) kind() Kind {
	if s.Kind == "" {
		return KindJSON
	}
	return s.Kind
}

func (c *Codec) serializeProto(topic string, s *Schema, payload any) ([]byte, string, error) {
	msg, ok := payload.(proto.Message)
	if !ok {
		return nil, "", errors.NewSchemaError(topic, "payload", fmt.Errorf("expected proto.Message, got %T", payload))
	}

	name := msg.ProtoReflect().Descriptor().FullName()
	if s.Name != "" && string(name) != s.Name {
		return nil, "", errors.NewSchemaError(topic, "payload", fmt.Errorf("declared schema %s, got %s", s.Name, name))
	}
	if _, err := protoregistry.GlobalTypes.FindMessageByName(name); err != nil {
		return nil, "", errors.NewSchemaError(topic, "registry", err)
	}

	if c.protoValidator != nil {
		if err := c.protoValidator.Validate(msg); err != nil {
			return nil, "", errors.NewSchemaError(topic, "validate", err)
		}
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, "", errors.NewSchemaError(topic, "encode", err)
	}
	return data, string(name), nil
}

func (c *Codec) deserializeProto(topic string, s *Schema, data []byte, schemaID string) (any, error) {
	name := schemaID
	if name == "" {
		name = s.Name
	}
	if name == "" {
		return nil, errors.NewSchemaError(topic, "registry", stderrors.New("no schema id on message or topic"))
	}

	mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil, errors.NewSchemaError(topic, "registry", fmt.Errorf("unresolvable schema %s: %w", name, err))
	}
	if s.Name != "" && name != s.Name {
		return nil, errors.NewSchemaError(topic, "payload", fmt.Errorf("declared schema %s, got %s", s.Name, name))
	}

	msg := mt.New().Interface()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.NewSchemaError(topic, "decode", err)
	}

	if c.protoValidator != nil {
		if err := c.protoValidator.Validate(msg); err != nil {
			return nil, errors.NewSchemaError(topic, "validate", err)
		}
	}
	return msg, nil
}

func (c *Codec) serializeJSON(topic string, s *Schema, payload any) ([]byte, string, error) {
	if raw, ok := payload.([]byte); ok {
		decoded := map[string]any{}
		if err := jsoncodec.Unmarshal(raw, &decoded); err != nil {
			return nil, "", errors.NewSchemaError(topic, "decode", err)
		}
		payload = decoded
	}

	if err := c.validateJSON(topic, s, payload); err != nil {
		return nil, "", err
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, "", errors.NewSchemaError(topic, "encode", err)
	}
	return data, s.Name, nil
}

func (c *Codec) deserializeJSON(topic string, s *Schema, data []byte) (any, error) {
	decoded := map[string]any{}
	if err := jsoncodec.Unmarshal(data, &decoded); err != nil {
		return nil, errors.NewSchemaError(topic, "decode", err)
	}
	if err := c.validateJSON(topic, s, decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func (c *Codec) validateJSON(topic string, s *Schema, payload any) error {
	if m, ok := payload.(map[string]any); ok {
		if len(s.Rules) == 0 {
			return nil
		}
		problems := c.validate.ValidateMap(m, s.Rules)
		if len(problems) > 0 {
			return errors.NewSchemaError(topic, "validate", fmt.Errorf("%d field(s) failed validation: %v", len(problems), problems))
		}
		return nil
	}

	// Structs carry their rules as tags.
	if err := c.validate.Struct(payload); err != nil {
		var invalid *validator.InvalidValidationError
		if stderrors.As(err, &invalid) {
			// Not a struct; nothing declared to check against.
			return nil
		}
		return errors.NewSchemaError(topic, "validate", err)
	}
	return nil
}
