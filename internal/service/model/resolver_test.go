package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var testModels = []string{"sonnet", "opus", "claude-sonnet-4-20250514"}

func TestResolveAlias(t *testing.T) {
	r := NewResolver(testModels, "sonnet")

	got, err := r.Resolve("opus")
	require.NoError(t, err)
	require.Equal(t, "opus", got)
}

func TestResolveCanonicalName(t *testing.T) {
	r := NewResolver(testModels, "sonnet")

	got, err := r.Resolve("claude-sonnet-4-20250514")
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4-20250514", got)
}

func TestResolveEmptyUsesDefault(t *testing.T) {
	r := NewResolver(testModels, "sonnet")

	got, err := r.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "sonnet", got)
}

func TestResolveUnknownFailsClosed(t *testing.T) {
	r := NewResolver(testModels, "sonnet")

	_, err := r.Resolve("totally-unknown")
	require.Error(t, err)

	var unsupported *ErrUnsupportedModel
	require.True(t, errors.As(err, &unsupported))
	require.Equal(t, "totally-unknown", unsupported.Requested)
	require.Contains(t, err.Error(), "sonnet")
}

func TestListReturnsCopy(t *testing.T) {
	r := NewResolver(testModels, "sonnet")

	list := r.List()
	require.Equal(t, testModels, list)

	list[0] = "mutated"
	again := r.List()
	require.Equal(t, "sonnet", again[0])
}
