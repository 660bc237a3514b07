package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Streamer opens a remote asset for reading.
type Streamer interface {
	Stream(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeDownloaded
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

const partSuffix = ".part-"

// AssetStore mirrors remote images below a root directory. A file that
// already exists at the target path is never fetched again, whatever its
// content. Downloads are written to a sibling ".part-<uuid>" file and
// renamed into place, so the target path only ever holds complete files.
// A crash mid-download can leave a stray part file behind; it is never
// taken for the asset.
type AssetStore struct {
	root     string
	streamer Streamer
	inflight singleflight.Group
	logger   *slog.Logger
}

func NewAssetStore(root string, streamer Streamer, logger *slog.Logger) *AssetStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetStore{
		root:     filepath.Clean(root),
		streamer: streamer,
		logger:   logger.With("component", "asset_store"),
	}
}

func (s *AssetStore) Root() string { return s.root }

// EnsureLocal makes sure imageURL is present at localPath.
func (s *AssetStore) EnsureLocal(ctx context.Context, imageURL, localPath string) error {
	_, err := s.Materialize(ctx, imageURL, localPath)
	return err
}

// Materialize is EnsureLocal reporting what it did.
func (s *AssetStore) Materialize(ctx context.Context, imageURL, localPath string) (Outcome, error) {
	target := filepath.Clean(localPath)
	if !s.contains(target) {
		return OutcomeFailed, fmt.Errorf("local path %q is outside %q", localPath, s.root)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return OutcomeFailed, fmt.Errorf("create directory: %w", err)
	}

	if exists, err := fileExists(target); err != nil {
		return OutcomeFailed, err
	} else if exists {
		return OutcomeSkipped, nil
	}

	// Concurrent calls for one path share a single download; only the
	// caller that ran it reports Downloaded.
	leader := false
	v, err, _ := s.inflight.Do(target, func() (interface{}, error) {
		leader = true
		if exists, err := fileExists(target); err != nil {
			return OutcomeFailed, err
		} else if exists {
			return OutcomeSkipped, nil
		}
		if err := s.download(ctx, imageURL, target); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeDownloaded, nil
	})
	outcome := v.(Outcome)
	if !leader && outcome == OutcomeDownloaded {
		outcome = OutcomeSkipped
	}
	return outcome, err
}

func (s *AssetStore) download(ctx context.Context, imageURL, target string) error {
	body, err := s.streamer.Stream(ctx, imageURL)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := target + partSuffix + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", target, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}

	s.logger.Debug("asset downloaded", "url", imageURL, "path", target, "bytes", written)
	return nil
}

func (s *AssetStore) contains(target string) bool {
	rel, err := filepath.Rel(s.root, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
