package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return New() })
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := &storage.Company{ID: "c1", Name: "Acme", NormalizedKey: "acme|", Signals: []storage.Signal{{SourceURL: "u", Type: storage.SignalHiring}}}
	require.NoError(t, b.SaveCompany(ctx, c))

	got, err := b.GetCompany(ctx, "c1")
	require.NoError(t, err)
	got.Signals[0].SourceURL = "mutated"
	got.Name = "mutated"

	again, err := b.GetCompany(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", again.Name)
	assert.Equal(t, "u", again.Signals[0].SourceURL)
}
