package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/config"
	"github.com/FranksOps/prospect/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	c, err := config.Load("")
	require.NoError(t, err)
	c.Store.Driver = "memory"
	return c
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := openStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = openStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "p.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()

	c, closer, err := openCache(ctx, config.CacheConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Nil(t, closer)

	c, _, err = openCache(ctx, config.CacheConfig{Driver: "memory", TTL: time.Hour})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, _, err = openCache(ctx, config.CacheConfig{Driver: "memcached"})
	assert.Error(t, err)
}

func TestNewProviders(t *testing.T) {
	c := testConfig(t)

	providers, err := newProviders(c.Search, nil, nil)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "duckduckgo", providers[0].Name())

	c.Search.Providers = []string{"google"}
	_, err = newProviders(c.Search, nil, nil)
	assert.Error(t, err, "google requires credentials")

	c.Search.Google = config.GoogleConfig{APIKey: "k", EngineID: "cx"}
	providers, err = newProviders(c.Search, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "google", providers[0].Name())
}

func TestNewEnricher(t *testing.T) {
	c := testConfig(t)

	e, err := newEnricher(c.Enrich, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, e, "pattern fallback is on by default")

	c.Enrich.PatternFallback = false
	e, err = newEnricher(c.Enrich, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, e)

	c.Enrich.Enabled = false
	e, err = newEnricher(c.Enrich, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestBuildEnvAndWriteLeads(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	e, err := buildEnv(ctx, c, nil)
	require.NoError(t, err)
	defer e.Close()

	q := &storage.Query{ID: "q1", Text: "pharma hiring", Status: storage.QueryActive, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.Store.CreateQuery(ctx, q))

	var buf bytes.Buffer
	require.NoError(t, writeLeads(ctx, &buf, e, "q1", "text"))
	assert.Contains(t, buf.String(), "No leads yet.")

	buf.Reset()
	require.NoError(t, writeLeads(ctx, &buf, e, "q1", "csv"))
	assert.Contains(t, buf.String(), "lead_id,")

	assert.Error(t, writeLeads(ctx, &buf, e, "missing", "text"))
	assert.Error(t, writeLeads(ctx, &buf, e, "q1", "yaml"))
}

func TestWriteQueries(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	e, err := buildEnv(ctx, c, nil)
	require.NoError(t, err)
	defer e.Close()

	var buf bytes.Buffer
	require.NoError(t, writeQueries(ctx, &buf, e, storage.QueryFilter{}, "json"))
	assert.JSONEq(t, `[]`, buf.String())

	now := time.Now().UTC()
	require.NoError(t, e.Store.CreateQuery(ctx, &storage.Query{ID: "q1", Text: "pharma hiring", Status: storage.QueryActive, CreatedAt: now, CheckFrequency: time.Hour}))
	require.NoError(t, e.Store.CreateQuery(ctx, &storage.Query{ID: "q2", Text: "banks raising funding", Status: storage.QueryPaused, CreatedAt: now.Add(time.Second), CheckFrequency: time.Hour}))

	buf.Reset()
	require.NoError(t, writeQueries(ctx, &buf, e, storage.QueryFilter{}, "text"))
	assert.Contains(t, buf.String(), "pharma hiring")
	assert.Contains(t, buf.String(), "banks raising funding")

	buf.Reset()
	require.NoError(t, writeQueries(ctx, &buf, e, storage.QueryFilter{Status: storage.QueryPaused}, "text"))
	assert.NotContains(t, buf.String(), "pharma hiring")
	assert.Contains(t, buf.String(), "q2  paused")

	q, err := e.Scheduler.SetCheckFrequency(ctx, "q1", 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, q.CheckFrequency)

	assert.Error(t, writeQueries(ctx, &buf, e, storage.QueryFilter{}, "yaml"))
}
