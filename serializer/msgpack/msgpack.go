// Package msgpack provides a MessagePack follower.Serializer, selectable
// in place of the default JSONSerializer when wire size matters more than
// human-readable event logs.
//
// Basic usage:
//
//	registry := follower.NewTypeRegistry()
//	registry.RegisterAll(OrderCreated{})
//	serializer := msgpack.NewSerializer(registry)
//
//	data, err := serializer.Serialize(OrderCreated{OrderID: "123"})
//	event, err := serializer.Deserialize(data, "OrderCreated")
package msgpack

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamforge-labs/follower"
)

var _ follower.Serializer = (*Serializer)(nil)

// Serializer is a follower.Serializer backed by MessagePack, resolving
// wire type names through a shared follower.TypeRegistry rather than
// keeping its own — the same registry passed to a JSONSerializer can be
// handed to a Serializer here so both codecs decode the same event set.
type Serializer struct {
	registry *follower.TypeRegistry
}

// NewSerializer creates a MessagePack Serializer backed by registry. A nil
// registry gets an empty one.
func NewSerializer(registry *follower.TypeRegistry) *Serializer {
	if registry == nil {
		registry = follower.NewTypeRegistry()
	}
	return &Serializer{registry: registry}
}

// Register adds typeName to the serializer's TypeRegistry.
func (s *Serializer) Register(typeName string, example interface{}) {
	s.registry.Register(typeName, example)
}

// RegisterAll registers multiple examples by struct name.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying TypeRegistry.
func (s *Serializer) Registry() *follower.TypeRegistry {
	return s.registry
}

// Serialize encodes payload as MessagePack.
func (s *Serializer) Serialize(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, &SerializationError{
			EventType: "nil",
			Operation: "serialize",
			Err:       fmt.Errorf("payload cannot be nil"),
		}
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{
			EventType: typeNameOf(payload),
			Operation: "serialize",
			Err:       err,
		}
	}

	return data, nil
}

// Deserialize decodes data as MessagePack into the type registered under
// typeName. If typeName is not registered, it falls back to
// map[string]interface{}.
func (s *Serializer) Deserialize(data []byte, typeName string) (interface{}, error) {
	if len(data) == 0 {
		return nil, &SerializationError{
			EventType: typeName,
			Operation: "deserialize",
			Err:       fmt.Errorf("data cannot be empty"),
		}
	}

	t, ok := s.registry.Lookup(typeName)
	if !ok {
		var result map[string]interface{}
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return nil, &SerializationError{
				EventType: typeName,
				Operation: "deserialize",
				Err:       err,
			}
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, &SerializationError{
			EventType: typeName,
			Operation: "deserialize",
			Err:       err,
		}
	}

	return ptr.Elem().Interface(), nil
}

// SerializationError represents a serialization or deserialization error.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("follower/msgpack: failed to %s event %s: %v", e.Operation, e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func typeNameOf(payload interface{}) string {
	t := reflect.TypeOf(payload)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
