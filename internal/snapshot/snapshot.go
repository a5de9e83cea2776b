// Package snapshot renders a still JPEG from the most recent self-decoding
// keyframe fragment at the end of a camera session, via a short-lived
// invocation of the same external encoder the session uses for live
// transcoding.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/eufy/streamproxy/internal/eventbus"
	"github.com/rs/zerolog"
)

// Entry is the sidecar record tracked per camera in picture-hashes.json, so
// callers can tell whether the on-disk snapshot changed since it was last
// observed without re-reading the file.
type Entry struct {
	Hash             string    `json:"hash"`
	Datetime         time.Time `json:"datetime"`
	SnapshotDatetime time.Time `json:"snapshotDatetime"`
}

// BuildArgs returns the argv (excluding argv[0]) for a transient encoder
// invocation that reads a self-decoding fMP4 fragment from stdin and writes
// exactly one high-quality JPEG frame to stdout. It is pure and therefore
// unit-testable without spawning a process.
func BuildArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mp4", "-i", "pipe:0",
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "mjpeg",
		"pipe:1",
	}
}

// Writer renders and persists snapshots for the cameras it is asked about.
type Writer struct {
	binary  string
	dataDir string
	log     zerolog.Logger
	bus     *eventbus.Bus

	mu          sync.Mutex
	sidecarPath string
	sidecar     map[string]Entry
}

// New loads (or creates) the sidecar record at <dataDir>/picture-hashes.json
// and prepares snapshots to be written under <dataDir>/snapshots/.
func New(binary, dataDir string, log zerolog.Logger, bus *eventbus.Bus) (*Writer, error) {
	w := &Writer{
		binary:      binary,
		dataDir:     dataDir,
		log:         log,
		bus:         bus,
		sidecarPath: filepath.Join(dataDir, "picture-hashes.json"),
		sidecar:     make(map[string]Entry),
	}

	if err := os.MkdirAll(w.snapshotDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshots dir: %w", err)
	}

	data, err := os.ReadFile(w.sidecarPath)
	switch {
	case os.IsNotExist(err):
		// First run: nothing to load, empty sidecar is correct.
	case err != nil:
		return nil, fmt.Errorf("reading picture-hashes.json: %w", err)
	default:
		if err := json.Unmarshal(data, &w.sidecar); err != nil {
			return nil, fmt.Errorf("parsing picture-hashes.json: %w", err)
		}
	}

	return w, nil
}

func (w *Writer) snapshotDir() string {
	return filepath.Join(w.dataDir, "snapshots")
}

// SnapshotPath returns the path a camera's most recent still is (or would
// be) written to.
func (w *Writer) SnapshotPath(serial string) string {
	return filepath.Join(w.snapshotDir(), serial+".jpg")
}

// Save renders a still from keyframeFragment (initSegment ⧺ fragment, a
// self-decoding fMP4 byte string) and persists it as serial's snapshot. Any
// failure is logged and returned; the caller does not retry and the
// sidecar record is left untouched on failure.
func (w *Writer) Save(ctx context.Context, serial string, keyframeFragment []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.binary, BuildArgs()...)
	cmd.Stdin = bytes.NewReader(keyframeFragment)

	jpeg, err := cmd.Output()
	if err != nil {
		w.log.Warn().Err(err).Str("serial", serial).Msg("snapshot encoder invocation failed")
		return fmt.Errorf("rendering snapshot for %s: %w", serial, err)
	}
	if len(jpeg) == 0 {
		w.log.Warn().Str("serial", serial).Msg("snapshot encoder produced no output")
		return fmt.Errorf("rendering snapshot for %s: empty output", serial)
	}

	if err := os.WriteFile(w.SnapshotPath(serial), jpeg, 0o644); err != nil {
		w.log.Warn().Err(err).Str("serial", serial).Msg("failed to write snapshot file")
		return fmt.Errorf("writing snapshot for %s: %w", serial, err)
	}

	sum := sha256.Sum256(jpeg)
	now := time.Now()
	if err := w.recordSidecar(serial, Entry{
		Hash:             hex.EncodeToString(sum[:]),
		Datetime:         now,
		SnapshotDatetime: now,
	}); err != nil {
		w.log.Warn().Err(err).Str("serial", serial).Msg("failed to persist snapshot sidecar record")
		return fmt.Errorf("recording snapshot sidecar for %s: %w", serial, err)
	}

	w.log.Info().Str("serial", serial).Int("bytes", len(jpeg)).Msg("snapshot saved")

	if w.bus != nil {
		payload, _ := json.Marshal(map[string]string{"serial": serial})
		if err := w.bus.Publish(eventbus.SubjectSnapshotSaved, payload); err != nil {
			w.log.Warn().Err(err).Msg("failed to publish snapshotSaved event")
		}
	}

	return nil
}

func (w *Writer) recordSidecar(serial string, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sidecar[serial] = e
	data, err := json.MarshalIndent(w.sidecar, "", "  ")
	if err != nil {
		return err
	}
	tmp := w.sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.sidecarPath)
}

// Entries returns a copy of the current sidecar records, keyed by serial.
func (w *Writer) Entries() map[string]Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Entry, len(w.sidecar))
	for k, v := range w.sidecar {
		out[k] = v
	}
	return out
}

// PruneOrphans removes on-disk snapshot files and sidecar entries for
// serials not present in known. It is invoked periodically by the janitor
// (see Janitor) so a camera removed from the account does not leave a
// stale image and sidecar record behind forever.
func (w *Writer) PruneOrphans(known map[string]bool) {
	entries, err := os.ReadDir(w.snapshotDir())
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to list snapshots dir for orphan prune")
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		serial := trimJPGExt(e.Name())
		if serial == "" || known[serial] {
			continue
		}
		path := filepath.Join(w.snapshotDir(), e.Name())
		if err := os.Remove(path); err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned snapshot")
			continue
		}
		w.log.Info().Str("serial", serial).Msg("removed orphaned snapshot")
	}

	w.mu.Lock()
	for serial := range w.sidecar {
		if !known[serial] {
			delete(w.sidecar, serial)
		}
	}
	w.mu.Unlock()
}

func trimJPGExt(name string) string {
	const ext = ".jpg"
	if len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
		return ""
	}
	return name[:len(name)-len(ext)]
}
