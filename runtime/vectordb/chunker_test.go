package vectordb

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/smythos/sre/runtime/fault"
)

func TestChunkOverlappingWindows(t *testing.T) {
	chunks, err := Chunk("abcdefghijklmnopqrstuvwxyz", 10, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"abcdefghij", "ijklmnopqr", "qrstuvwxyz"}, chunks)
}

func TestChunkShortText(t *testing.T) {
	chunks, err := Chunk("abc", 10, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, chunks)
}

func TestChunkEmptyText(t *testing.T) {
	chunks, err := Chunk("", 10, 2)
	require.NoError(t, err)
	require.Nil(t, chunks)
}

func TestChunkNoOverlap(t *testing.T) {
	chunks, err := Chunk("abcdefgh", 3, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"abc", "def", "gh"}, chunks)
}

func TestChunkCountsRunesNotBytes(t *testing.T) {
	chunks, err := Chunk("héllo wörld", 4, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"héll", "lo w", "wörl", "ld"}, chunks)
}

func TestChunkRejectsBadArguments(t *testing.T) {
	for _, tc := range []struct{ size, overlap int }{
		{0, 0},
		{-1, 0},
		{10, -1},
		{10, 10},
		{10, 11},
	} {
		_, err := Chunk("text", tc.size, tc.overlap)
		require.True(t, fault.IsKind(err, fault.KindInvalidArgument), "size=%d overlap=%d", tc.size, tc.overlap)
	}
}

func TestChunkProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	texts := gen.AlphaString()
	sizes := gen.IntRange(1, 50)
	overlaps := gen.IntRange(0, 49)

	properties.Property("chunk count is ceil((L-overlap)/(size-overlap))", prop.ForAll(
		func(text string, size, overlap int) bool {
			if overlap >= size {
				overlap = size - 1
			}
			chunks, err := Chunk(text, size, overlap)
			if err != nil {
				return false
			}
			l := len([]rune(text))
			if l == 0 {
				return chunks == nil
			}
			step := size - overlap
			want := (l - overlap + step - 1) / step
			if want < 1 {
				want = 1
			}
			return len(chunks) == want
		},
		texts, sizes, overlaps,
	))

	properties.Property("consecutive chunks share the overlap", prop.ForAll(
		func(text string, size, overlap int) bool {
			if overlap >= size {
				overlap = size - 1
			}
			chunks, err := Chunk(text, size, overlap)
			if err != nil {
				return false
			}
			for i := 1; i < len(chunks); i++ {
				prev := []rune(chunks[i-1])
				tail := string(prev[len(prev)-overlap:])
				if overlap > 0 && !strings.HasPrefix(chunks[i], tail) {
					return false
				}
			}
			return true
		},
		texts, sizes, overlaps,
	))

	properties.TestingRun(t)
}
