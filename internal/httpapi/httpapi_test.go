package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/eufy/streamproxy/internal/broker"
	"github.com/eufy/streamproxy/internal/config"
	"github.com/eufy/streamproxy/internal/driver"
	"github.com/eufy/streamproxy/internal/encoder"
	"github.com/eufy/streamproxy/internal/fmp4"
	"github.com/eufy/streamproxy/internal/hub"
	"github.com/eufy/streamproxy/internal/ingress"
	"github.com/eufy/streamproxy/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *config.Store) {
	t.Helper()

	store, err := config.OpenStore(filepath.Join(t.TempDir(), "config.json"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1"})
	ing := ingress.New(zerolog.Nop())
	enc := encoder.New("/bin/true", zerolog.Nop())
	parser := fmp4.New(zerolog.Nop(), func([]byte) {}, func([]byte, bool) {})
	h := hub.New(zerolog.Nop())
	sess := session.New(zerolog.Nop(), fake, ing, enc, parser, h, func() encoder.Tunables {
		return encoder.Tunables{Preset: "veryfast", CRF: 23}
	}, nil)
	t.Cleanup(sess.Close)

	b := broker.New(zerolog.Nop(), nil, "test")

	router := New(zerolog.Nop(), store, sess, h, ing, parser, b, fake, nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHealth_ReportsIdleState(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.False(t, status.IsTranscoding)
	require.Equal(t, "", status.CurrentDevice)
	require.False(t, status.HasInitSegment)
}

func TestGetConfig_ReturnsDefaults(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg config.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	require.Equal(t, "veryfast", cfg.Transcode.Preset)
}

func TestPostConfig_RejectsUnknownKey(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"patch": map[string]any{"not.a.real.key": "x"}})
	resp, err := http.Post(srv.URL+"/config", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostConfig_AppliesMutableKey(t *testing.T) {
	srv, store := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"patch": map[string]any{"transcode.preset": "fast"}})
	resp, err := http.Post(srv.URL+"/config", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "fast", store.Get().Transcode.Preset)
}

func TestPostConfig_SecondIdenticalPatchReportsNoUpdatedFields(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"patch": map[string]any{"transcode.preset": "fast"}})

	resp, err := http.Post(srv.URL+"/config", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var first configPatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	resp.Body.Close()
	require.Equal(t, []string{"transcode.preset"}, first.UpdatedFields)

	resp, err = http.Post(srv.URL+"/config", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var second configPatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	require.Empty(t, second.UpdatedFields)
}

func TestStream_RejectsInvalidSerial(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/bad!serial.mp4")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
