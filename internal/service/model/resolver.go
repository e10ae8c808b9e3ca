package model

import (
	"fmt"
	"strings"
)

// ErrUnsupportedModel wraps resolution failures for unrecognized names.
type ErrUnsupportedModel struct {
	Requested string
	Supported []string
}

func (e *ErrUnsupportedModel) Error() string {
	return fmt.Sprintf("model %q is not supported. Supported models: %s",
		e.Requested, strings.Join(e.Supported, ", "))
}

// Resolver validates caller-supplied model names against a fixed allow-list.
// Both short aliases and full model names are accepted; there is no fuzzy
// matching.
type Resolver struct {
	supported    []string
	supportedSet map[string]struct{}
	defaultModel string
}

// NewResolver builds a resolver over the given names. An empty requested
// name resolves to defaultModel.
func NewResolver(supported []string, defaultModel string) *Resolver {
	set := make(map[string]struct{}, len(supported))
	for _, name := range supported {
		set[name] = struct{}{}
	}
	return &Resolver{
		supported:    append([]string{}, supported...),
		supportedSet: set,
		defaultModel: defaultModel,
	}
}

// Resolve returns the model name to hand to the backend, or an
// *ErrUnsupportedModel for unknown names.
func (r *Resolver) Resolve(requested string) (string, error) {
	if requested == "" {
		return r.defaultModel, nil
	}
	if _, ok := r.supportedSet[requested]; ok {
		return requested, nil
	}
	return "", &ErrUnsupportedModel{Requested: requested, Supported: r.List()}
}

// List returns the supported model names in registration order.
func (r *Resolver) List() []string {
	return append([]string{}, r.supported...)
}
