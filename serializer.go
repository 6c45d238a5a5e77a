package follower

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer handles event and snapshot payload serialization. The
// Follower runtime never touches the wire format directly: it asks a
// Serializer to turn a Go value into bytes for the log, and to turn bytes
// plus a type name back into a Go value during replay.
type Serializer interface {
	Serialize(payload interface{}) ([]byte, error)
	Deserialize(data []byte, typeName string) (interface{}, error)
}

// TypeRegistry resolves the type name carried on a wire envelope back to a
// concrete Go type, so a Follower whose event parameter E is an interface
// can decode any of several concrete payload structs it was told about.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry creates an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register maps typeName to the Go type of example. example should be a
// value, not a pointer, of the concrete event or snapshot type.
func (r *TypeRegistry) Register(typeName string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[typeName] = t
}

// RegisterAll registers multiple examples, using each one's struct name as
// its wire type name.
func (r *TypeRegistry) RegisterAll(examples ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, example := range examples {
		t := reflect.TypeOf(example)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		r.types[t.Name()] = t
	}
}

// Lookup returns the Go type registered under typeName.
func (r *TypeRegistry) Lookup(typeName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[typeName]
	return t, ok
}

// RegisteredTypes returns all registered wire type names.
func (r *TypeRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// JSONSerializer is the default Serializer, backed by encoding/json and a
// TypeRegistry for resolving payloads on decode.
type JSONSerializer struct {
	registry *TypeRegistry
}

// NewJSONSerializer creates a JSONSerializer with an empty TypeRegistry.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{registry: NewTypeRegistry()}
}

// NewJSONSerializerWithRegistry creates a JSONSerializer backed by an
// existing TypeRegistry, letting multiple serializers share one registry.
func NewJSONSerializerWithRegistry(registry *TypeRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	return &JSONSerializer{registry: registry}
}

// Register adds typeName to the serializer's TypeRegistry.
func (s *JSONSerializer) Register(typeName string, example interface{}) {
	s.registry.Register(typeName, example)
}

// RegisterAll registers multiple examples by struct name.
func (s *JSONSerializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying TypeRegistry.
func (s *JSONSerializer) Registry() *TypeRegistry {
	return s.registry
}

// Serialize encodes payload as JSON.
func (s *JSONSerializer) Serialize(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, NewDeserializationError("", "nil", fmt.Errorf("payload cannot be nil"))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewDeserializationError("", typeNameOf(payload), err)
	}
	return data, nil
}

// Deserialize decodes data as JSON into the type registered under
// typeName. If typeName is not registered, it falls back to
// map[string]interface{}.
func (s *JSONSerializer) Deserialize(data []byte, typeName string) (interface{}, error) {
	if len(data) == 0 {
		return nil, NewDeserializationError("", typeName, fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(typeName)
	if !ok {
		var result map[string]interface{}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, NewDeserializationError("", typeName, err)
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewDeserializationError("", typeName, err)
	}
	return ptr.Elem().Interface(), nil
}

// typeNameOf returns the struct name of payload for use as a wire type name.
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
