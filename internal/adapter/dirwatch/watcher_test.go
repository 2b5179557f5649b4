package dirwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

type captureIngestor struct {
	mu       sync.Mutex
	payloads []domain.RawPayload
	err      error
}

func (c *captureIngestor) Ingest(_ context.Context, raw domain.RawPayload) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.payloads = append(c.payloads, raw)
	return 1, nil
}

func (c *captureIngestor) Payloads() []domain.RawPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RawPayload, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T, ingestor Ingestor) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	w, err := NewWatcher(root, ingestor, clockwork.NewRealClock(), testLogger())
	require.NoError(t, err)
	return w, root
}

func TestNewWatcherCreatesDirectoryLayout(t *testing.T) {
	_, root := newTestWatcher(t, &captureIngestor{})
	for _, dir := range []string{
		"sensors", "sensors/processed", "sensors/failed",
		"images", "images/processed", "images/failed",
		"sonar", "sonar/processed", "sonar/failed",
	} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}

func TestInitialScanIngestsBacklog(t *testing.T) {
	ingestor := &captureIngestor{}
	w, root := newTestWatcher(t, ingestor)

	csvPath := filepath.Join(root, "sensors", "backlog.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("sensor_type,ph\nctd,8.1\n"), 0o644))
	imgPath := filepath.Join(root, "images", "transect.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("jpeg bytes"), 0o644))

	runWatcher(t, w, func() bool { return len(ingestor.Payloads()) == 2 })

	payloads := ingestor.Payloads()
	byRef := map[string]domain.RawPayload{}
	for _, p := range payloads {
		byRef[p.Provenance.Ref] = p
	}

	csvPayload, ok := byRef[filepath.Join("sensors", "backlog.csv")]
	require.True(t, ok)
	assert.Equal(t, domain.CategorySensor, csvPayload.Category)
	assert.Equal(t, domain.EncodingCSV, csvPayload.Encoding)
	assert.Equal(t, "directory", csvPayload.Provenance.Channel)

	imgPayload, ok := byRef[filepath.Join("images", "transect.jpg")]
	require.True(t, ok)
	assert.Equal(t, domain.CategoryImage, imgPayload.Category)
	assert.Equal(t, domain.EncodingBinary, imgPayload.Encoding)

	assert.FileExists(t, filepath.Join(root, "sensors", "processed", "backlog.csv"))
	assert.FileExists(t, filepath.Join(root, "images", "processed", "transect.jpg"))
	assert.NoFileExists(t, csvPath)
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	ingestor := &captureIngestor{}
	w, root := newTestWatcher(t, ingestor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before dropping the file.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(root, "sonar", "sweep.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sonar_frequency_hz":200000}`), 0o644))

	require.Eventually(t, func() bool { return len(ingestor.Payloads()) == 1 },
		5*time.Second, 20*time.Millisecond)

	payload := ingestor.Payloads()[0]
	assert.Equal(t, domain.CategorySonar, payload.Category)
	assert.Equal(t, domain.EncodingJSON, payload.Encoding)
	assert.FileExists(t, filepath.Join(root, "sonar", "processed", "sweep.json"))
}

func TestFileNamePlacementReachesProvenance(t *testing.T) {
	ingestor := &captureIngestor{}
	w, root := newTestWatcher(t, ingestor)

	// Field teams prefix uploads with the site they surveyed.
	named := filepath.Join(root, "images", "site-7_transect.jpg")
	require.NoError(t, os.WriteFile(named, []byte("jpeg bytes"), 0o644))
	plain := filepath.Join(root, "images", "dive.jpg")
	require.NoError(t, os.WriteFile(plain, []byte("jpeg bytes"), 0o644))

	runWatcher(t, w, func() bool { return len(ingestor.Payloads()) == 2 })

	byRef := map[string]domain.RawPayload{}
	for _, p := range ingestor.Payloads() {
		byRef[p.Provenance.Ref] = p
	}

	withSite := byRef[filepath.Join("images", "site-7_transect.jpg")]
	require.NotNil(t, withSite.Provenance.SiteID)
	assert.Equal(t, int64(7), *withSite.Provenance.SiteID)

	without := byRef[filepath.Join("images", "dive.jpg")]
	assert.Nil(t, without.Provenance.SiteID, "unprefixed names declare nothing")
}

func TestRejectedFileMovesToFailed(t *testing.T) {
	ingestor := &captureIngestor{err: domain.NewDecodeError(errors.New("csv has no data rows"))}
	w, root := newTestWatcher(t, ingestor)

	path := filepath.Join(root, "sensors", "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("sensor_type,ph\n"), 0o644))

	runWatcher(t, w, func() bool {
		_, err := os.Stat(filepath.Join(root, "sensors", "failed", "empty.csv"))
		return err == nil
	})

	assert.NoFileExists(t, path)
	assert.NoFileExists(t, filepath.Join(root, "sensors", "processed", "empty.csv"))
}

type partialIngestor struct {
	calls atomic.Int32
}

func (p *partialIngestor) Ingest(_ context.Context, _ domain.RawPayload) (int, error) {
	p.calls.Add(1)
	return 2, context.Canceled
}

func TestPartiallyIngestedFileStaysInPlace(t *testing.T) {
	ingestor := &partialIngestor{}
	w, root := newTestWatcher(t, ingestor)

	path := filepath.Join(root, "sensors", "burst.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("sensor_type,ph\nctd,8.1\nctd,8.2\nctd,8.3\n"), 0o644))

	runWatcher(t, w, func() bool { return ingestor.calls.Load() >= 1 })

	// Readings already queued would be lost to failed/; the file waits for a
	// full re-ingest instead.
	assert.FileExists(t, path)
	assert.NoFileExists(t, filepath.Join(root, "sensors", "failed", "burst.csv"))
	assert.NoFileExists(t, filepath.Join(root, "sensors", "processed", "burst.csv"))
}

func TestUnhandledExtensionsAreIgnored(t *testing.T) {
	ingestor := &captureIngestor{}
	w, root := newTestWatcher(t, ingestor)

	path := filepath.Join(root, "sensors", "manifest.txt")
	require.NoError(t, os.WriteFile(path, []byte("checksum stuff"), 0o644))

	// Run long enough for the initial scan to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	assert.Empty(t, ingestor.Payloads())
	assert.FileExists(t, path, "ignored files stay in place")
}

// runWatcher runs w until the condition holds, then shuts it down.
func runWatcher(t *testing.T, w *Watcher, condition func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	require.Eventually(t, condition, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}
