package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	assert.Equal(t, DefaultDimensions, e.Dimensions())

	a, err := e.Embed(context.Background(), "use retry with backoff")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "use retry with backoff")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimensions)
}

func TestHashEmbedder_UnitLength(t *testing.T) {
	v, err := NewHashEmbedder(64).Embed(context.Background(), "Circuit breakers trip on failures")
	require.NoError(t, err)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedder_SharedWordsAreSimilar(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()
	doc, _ := e.Embed(ctx, "use retry with backoff")
	query, _ := e.Embed(ctx, "Retry")

	assert.Greater(t, Cosine(doc, query), 0.0)
	assert.InDelta(t, 1.0, Cosine(doc, doc), 1e-5)
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	v, err := NewHashEmbedder(8).Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
	assert.Equal(t, 0.0, Cosine(v, v))
}

func TestHashEmbedder_PunctuationOnly(t *testing.T) {
	v, err := NewHashEmbedder(8).Embed(context.Background(), " ?! ")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-5)
}

func TestHashEmbedder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).Embed(ctx, "text")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"don", "t", "panic", "42"}, Tokenize("Don't PANIC: 42!"))
}
