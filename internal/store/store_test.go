package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ollamaConfig(name string) *ai.ProviderConfig {
	return &ai.ProviderConfig{Name: name, Kind: ai.KindOllama, Endpoint: "http://localhost:11434", Model: "llama3.2", Enabled: true}
}

func temp(v float64) *float64 { return &v }

func TestOpenRequiresPath(t *testing.T) {
	s, err := Open("", nil)
	assert.ErrorIs(t, err, ErrNoPath)
	assert.Nil(t, s)
}

func TestSaveAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cfg := &ai.ProviderConfig{
		Name:       "azure-prod",
		Kind:       ai.KindAzureDeployment,
		Endpoint:   "https://r.openai.azure.com",
		Deployment: "gpt4o",
		Credential: "secret-key",
		Sampling:   ai.SamplingParams{Temperature: temp(0.3)},
		Enabled:    true,
	}
	require.NoError(t, s.Save(ctx, cfg))
	require.NotEmpty(t, cfg.ID)

	got, err := s.Get(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", got.Credential)
	assert.Equal(t, "2024-02-15-preview", got.APIVersion, "api version defaulted at write time")
	assert.Equal(t, "gpt4o", got.Model)
	require.NotNil(t, got.Sampling.Temperature)
	assert.InDelta(t, 0.3, *got.Sampling.Temperature, 0.0001)
	assert.Nil(t, got.Sampling.MaxOutputTokens)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveValidates(t *testing.T) {
	s := setupTestStore(t)

	err := s.Save(context.Background(), &ai.ProviderConfig{Kind: ai.KindAzureDeployment, Endpoint: "https://r.openai.azure.com", Credential: "k"})
	assert.ErrorIs(t, err, providers.ErrInvalidConfig)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSingleDefault(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := ollamaConfig("a")
	a.IsDefault = true
	require.NoError(t, s.Save(ctx, a))

	b := ollamaConfig("b")
	b.IsDefault = true
	require.NoError(t, s.Save(ctx, b))

	def, err := s.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, def.ID)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)

	require.NoError(t, s.SetDefault(ctx, a.ID))
	def, err = s.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, def.ID)

	assert.ErrorIs(t, s.SetDefault(ctx, "missing"), ErrNotFound)
}

func TestSetDefaultConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c", "d"} {
		cfg := ollamaConfig(name)
		require.NoError(t, s.Save(ctx, cfg))
		ids = append(ids, cfg.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.SetDefault(ctx, id))
		}(ids[i%len(ids)])
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	defaults := 0
	for _, cfg := range list {
		if cfg.IsDefault && cfg.Enabled {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestSetDefaultDisabled(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cfg := ollamaConfig("off")
	cfg.Enabled = false
	require.NoError(t, s.Save(ctx, cfg))

	assert.ErrorIs(t, s.SetDefault(ctx, cfg.ID), providers.ErrInvalidConfig)
	_, err := s.Default(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadesPreferences(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cfg := ollamaConfig("a")
	require.NoError(t, s.Save(ctx, cfg))
	require.NoError(t, s.SetUserPreference(ctx, "u1", cfg.ID))

	pref, err := s.UserPreference(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, pref)

	require.NoError(t, s.Delete(ctx, cfg.ID))
	_, err = s.UserPreference(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, cfg.ID), ErrNotFound)
}

func TestUserPreference(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.SetUserPreference(ctx, "u1", "missing"), ErrNotFound)

	cfg := ollamaConfig("a")
	require.NoError(t, s.Save(ctx, cfg))
	require.NoError(t, s.SetUserPreference(ctx, "u1", cfg.ID))
	require.NoError(t, s.SetUserPreference(ctx, "u1", ""))

	_, err := s.UserPreference(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	r := NewResolver(s, time.Minute, nil)
	defer r.Close()

	_, ok, err := r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "nothing configured is a normal outcome")

	def := ollamaConfig("default")
	def.IsDefault = true
	require.NoError(t, s.Save(ctx, def))
	pref := ollamaConfig("preferred")
	require.NoError(t, s.Save(ctx, pref))
	require.NoError(t, s.SetUserPreference(ctx, "u1", pref.ID))

	// cached miss until invalidated
	_, ok, err = r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	r.Invalidate()
	cfg, ok, err := r.Resolve(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pref.ID, cfg.ID)

	cfg, ok, err = r.Resolve(ctx, "u2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, def.ID, cfg.ID)

	// disabled preference falls back to the default
	pref.Enabled = false
	require.NoError(t, s.Save(ctx, pref))
	r.Invalidate()
	cfg, ok, err = r.Resolve(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, def.ID, cfg.ID)

	// callers get copies
	cfg.Name = "mutated"
	again, _, _ := r.Resolve(ctx, "u1")
	assert.Equal(t, "default", again.Name)
}

func TestResolveID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	r := NewResolver(s, 0, nil)
	defer r.Close()

	cfg := ollamaConfig("a")
	require.NoError(t, s.Save(ctx, cfg))

	got, ok, err := r.ResolveID(ctx, cfg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	_, ok, err = r.ResolveID(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	cfg.Enabled = false
	require.NoError(t, s.Save(ctx, cfg))
	_, ok, err = r.ResolveID(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
