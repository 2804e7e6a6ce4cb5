package ram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smythos/sre/runtime/llm"
)

func TestGetUnknownIDIsEmpty(t *testing.T) {
	s := New()
	window, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, window)
}

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	window := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}
	require.NoError(t, s.Set(ctx, "conv-1", window))

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, window, got)
}

func TestStoreCopiesWindows(t *testing.T) {
	s := New()
	ctx := context.Background()
	window := []llm.Message{{Role: llm.RoleUser, Content: "original"}}
	require.NoError(t, s.Set(ctx, "conv-1", window))

	// Mutating the caller's slice must not reach the store.
	window[0].Content = "mutated"
	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "original", got[0].Content)

	// Mutating a returned window must not reach the store either.
	got[0].Content = "mutated again"
	again, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "original", again[0].Content)
}

func TestSetReplacesWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "conv-1", []llm.Message{{Role: llm.RoleUser, Content: "a"}, {Role: llm.RoleAssistant, Content: "b"}}))
	require.NoError(t, s.Set(ctx, "conv-1", []llm.Message{{Role: llm.RoleUser, Content: "c"}}))

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c", got[0].Content)
}
