package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStreamer struct {
	calls   atomic.Int32
	payload []byte
	err     error
	gate    chan struct{}
}

func (c *countingStreamer) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	return io.NopCloser(bytes.NewReader(c.payload)), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

type brokenBodyStreamer struct{}

func (brokenBodyStreamer) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(strings.NewReader("partial"), failingReader{})), nil
}

func TestEnsureLocal_Idempotent(t *testing.T) {
	root := t.TempDir()
	streamer := &countingStreamer{payload: []byte("png-bytes")}
	store := NewAssetStore(root, streamer, nil)

	target := filepath.Join(root, "SFA", "sfa-box.png")

	require.NoError(t, store.EnsureLocal(context.Background(), "https://example.test/img/sfa-box.png", target))
	first, err := os.ReadFile(target)
	require.NoError(t, err)

	require.NoError(t, store.EnsureLocal(context.Background(), "https://example.test/img/sfa-box.png", target))
	second, err := os.ReadFile(target)
	require.NoError(t, err)

	assert.Equal(t, int32(1), streamer.calls.Load())
	assert.Equal(t, []byte("png-bytes"), first)
	assert.Equal(t, first, second)
}

func TestMaterialize_Outcomes(t *testing.T) {
	root := t.TempDir()
	store := NewAssetStore(root, &countingStreamer{payload: []byte("x")}, nil)
	target := filepath.Join(root, "EV1", "a.png")

	outcome, err := store.Materialize(context.Background(), "https://example.test/a.png", target)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, outcome)

	outcome, err = store.Materialize(context.Background(), "https://example.test/a.png", target)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, "skipped", outcome.String())
}

func TestMaterialize_ExistingFileNeverRefetched(t *testing.T) {
	root := t.TempDir()
	streamer := &countingStreamer{payload: []byte("fresh")}
	store := NewAssetStore(root, streamer, nil)

	target := filepath.Join(root, "SFA", "truncated.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("tr"), 0o644))

	outcome, err := store.Materialize(context.Background(), "https://example.test/truncated.png", target)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, streamer.calls.Load())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "tr", string(data))
}

func TestMaterialize_FetchFailureLeavesNoFile(t *testing.T) {
	root := t.TempDir()
	store := NewAssetStore(root, &countingStreamer{err: errors.New("dial tcp: refused")}, nil)
	target := filepath.Join(root, "SFA", "missing.png")

	outcome, err := store.Materialize(context.Background(), "https://example.test/missing.png", target)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.NoFileExists(t, target)

	// the series directory is still created
	assert.DirExists(t, filepath.Dir(target))
}

func TestMaterialize_BrokenBodyCleansUp(t *testing.T) {
	root := t.TempDir()
	store := NewAssetStore(root, brokenBodyStreamer{}, nil)
	target := filepath.Join(root, "SFA", "broken.png")

	_, err := store.Materialize(context.Background(), "https://example.test/broken.png", target)
	require.Error(t, err)
	assert.NoFileExists(t, target)

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Empty(t, entries, "part files must be removed")
}

func TestMaterialize_RejectsPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	streamer := &countingStreamer{payload: []byte("x")}
	store := NewAssetStore(filepath.Join(root, "pokecardex"), streamer, nil)

	_, err := store.Materialize(context.Background(), "https://example.test/a.png", filepath.Join(root, "elsewhere", "a.png"))
	require.Error(t, err)
	assert.Zero(t, streamer.calls.Load())
}

func TestMaterialize_ConcurrentCallsShareDownload(t *testing.T) {
	root := t.TempDir()
	streamer := &countingStreamer{payload: []byte("shared"), gate: make(chan struct{})}
	store := NewAssetStore(root, streamer, nil)
	target := filepath.Join(root, "SFA", "shared.png")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	errs := make([]error, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = store.Materialize(context.Background(), "https://example.test/shared.png", target)
		}(i)
	}

	for streamer.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(streamer.gate)
	wg.Wait()

	downloaded := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeDownloaded {
			downloaded++
		}
	}
	assert.Equal(t, 1, downloaded)
	assert.Equal(t, int32(1), streamer.calls.Load())
}
