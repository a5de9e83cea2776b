package config

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_CreatesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	store, err := OpenStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	cfg := store.Get()
	require.Equal(t, "veryfast", cfg.Transcode.Preset)
	require.Equal(t, 23, cfg.Transcode.CRF)
}

func TestStore_SetRejectsNonMutableKey(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "config.json"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set(map[string]any{"account.notAField": "x"})
	require.Error(t, err)
}

func TestStore_SetAppliesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := OpenStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	changed, err := store.Set(map[string]any{
		"transcode.preset": "fast",
		"transcode.crf":    float64(18),
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"transcode.preset", "transcode.crf"}, changed)

	cfg := store.Get()
	require.Equal(t, "fast", cfg.Transcode.Preset)
	require.Equal(t, 18, cfg.Transcode.CRF)

	reloaded, err := OpenStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer reloaded.Close()
	require.Equal(t, "fast", reloaded.Get().Transcode.Preset)
}

func TestStore_SetIsIdempotentOnRepeatedPatch(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "config.json"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	patch := map[string]any{"transcode.preset": "fast"}

	first, err := store.Set(patch)
	require.NoError(t, err)
	require.Equal(t, []string{"transcode.preset"}, first)

	second, err := store.Set(patch)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestIsMutableKey(t *testing.T) {
	require.True(t, IsMutableKey("transcode.preset"))
	require.False(t, IsMutableKey("transcode.nonsense"))
}
