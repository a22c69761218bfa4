package serialization

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/glimte/blink-go/contracts"
)

// TypeRegistry manages message type registrations for decoding
type TypeRegistry interface {
	// Register registers a message type under its own name
	Register(msgType *contracts.MessageType) error

	// RegisterSchema compiles a JSON schema and registers it under typeName
	RegisterSchema(typeName string, schema any) (*contracts.MessageType, error)

	// Get retrieves the message type for a given type name
	Get(typeName string) (*contracts.MessageType, error)

	// Decode parses a wire payload as the named type
	Decode(typeName string, body []byte) (*contracts.Message, error)

	// IsRegistered checks if a type is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type names
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]*contracts.MessageType
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry with the free-form type preloaded
func NewTypeRegistry() *DefaultTypeRegistry {
	r := &DefaultTypeRegistry{
		types: make(map[string]*contracts.MessageType),
	}
	r.types[contracts.FreeFormMessageType.Name()] = contracts.FreeFormMessageType
	return r
}

// Register registers a message type under its own name
func (r *DefaultTypeRegistry) Register(msgType *contracts.MessageType) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[msgType.Name()]; exists {
		if existing == msgType {
			// Same type, ignore
			return nil
		}
		return fmt.Errorf("type name %s already registered", msgType.Name())
	}

	r.types[msgType.Name()] = msgType
	return nil
}

// RegisterSchema compiles a JSON schema and registers it under typeName
func (r *DefaultTypeRegistry) RegisterSchema(typeName string, schema any) (*contracts.MessageType, error) {
	msgType, err := contracts.NewMessageType(typeName, schema)
	if err != nil {
		return nil, err
	}
	if err := r.Register(msgType); err != nil {
		return nil, err
	}
	return msgType, nil
}

// RegisterSchemaFile loads a JSON schema document from disk and registers it
func (r *DefaultTypeRegistry) RegisterSchemaFile(typeName, path string) (*contracts.MessageType, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema for %s: %w", typeName, err)
	}

	msgType, err := contracts.NewMessageTypeFromJSON(typeName, raw)
	if err != nil {
		return nil, err
	}
	if err := r.Register(msgType); err != nil {
		return nil, err
	}
	return msgType, nil
}

// Get retrieves the message type for a given type name.
// An empty name resolves to the free-form type.
func (r *DefaultTypeRegistry) Get(typeName string) (*contracts.MessageType, error) {
	if typeName == "" {
		return contracts.FreeFormMessageType, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	return t, nil
}

// Decode parses a wire payload as the named type
func (r *DefaultTypeRegistry) Decode(typeName string, body []byte) (*contracts.Message, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	return t.Decode(body)
}

// IsRegistered checks if a type is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names in sorted order
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}

// Global registry instance
var globalRegistry = NewTypeRegistry()

// GetGlobalRegistry returns the global type registry
func GetGlobalRegistry() TypeRegistry {
	return globalRegistry
}
