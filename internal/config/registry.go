package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrDeviceNotRegistered is returned by Create* methods when no factory has
// been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: device not registered")

// InputFactory constructs an input device from its config entry.
type InputFactory func(DeviceEntry) (audio.InputDevice, error)

// OutputFactory constructs an output device from its config entry.
type OutputFactory func(DeviceEntry) (audio.ClockedOutput, error)

// Registry maps device names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	inputs  map[string]InputFactory
	outputs map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inputs:  make(map[string]InputFactory),
		outputs: make(map[string]OutputFactory),
	}
}

// RegisterInput registers an input device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = factory
}

// RegisterOutput registers an output device factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateInput instantiates the input device registered under entry.Name.
// Returns [ErrDeviceNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateInput(entry DeviceEntry) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.inputs[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrDeviceNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates the output device registered under entry.Name.
func (r *Registry) CreateOutput(entry DeviceEntry) (audio.ClockedOutput, error) {
	r.mu.RLock()
	factory, ok := r.outputs[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrDeviceNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Inputs returns the registered input device names in sorted order.
func (r *Registry) Inputs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.inputs)
}

// Outputs returns the registered output device names in sorted order.
func (r *Registry) Outputs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.outputs)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
