package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// FSStore persists artifacts as plain files under a root directory.
// Keys are slash-separated relative paths; Put syncs both file and parent
// directory so a crash immediately after a model call cannot lose the
// response.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", dir, err)
	}
	return &FSStore{root: dir}, nil
}

// pathFor maps a key to its file path, rejecting escapes from the root.
func (s *FSStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", ErrKeyEmpty
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("artifact key %q escapes store root", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes content to a temp file, fsyncs, and hard-links it into place.
// The link is atomic and exclusive: a crash mid-write leaves no partial file,
// and an existing artifact is never replaced — a colliding key lands on a
// numbered sibling instead, so a re-executed stage cannot destroy the
// response captured by a previous claim holder.
func (s *FSStore) Put(_ context.Context, key string, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("create artifact temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // drops the extra link after success

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return domain.ArtifactRef{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.ArtifactRef{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("close artifact: %w", err)
	}

	final := key
	for n := 1; ; n++ {
		err = os.Link(tmpName, path)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return domain.ArtifactRef{}, fmt.Errorf("persist artifact: %w", err)
		}
		final = siblingKey(key, n)
		if path, err = s.pathFor(final); err != nil {
			return domain.ArtifactRef{}, err
		}
	}
	syncDir(dir)

	return domain.ArtifactRef{Key: final, Size: int64(len(content)), Kind: kind}, nil
}

// Get reads an artifact's content.
func (s *FSStore) Get(_ context.Context, ref domain.ArtifactRef) (string, error) {
	path, err := s.pathFor(ref.Key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", ref.Key, err)
	}
	return string(data), nil
}

// Exists checks artifact presence on disk.
func (s *FSStore) Exists(_ context.Context, ref domain.ArtifactRef) (bool, error) {
	path, err := s.pathFor(ref.Key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat artifact %s: %w", ref.Key, err)
	}
	return true, nil
}

// syncDir fsyncs a directory so a rename survives power loss. Best effort:
// some filesystems reject directory syncs.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// Key builds the canonical artifact key for one attempt of one stage.
func Key(runID string, trialID int64, stage domain.Stage, attempt int, suffix string) string {
	return fmt.Sprintf("%s/trial-%04d/%s-attempt-%d%s", runID, trialID, stage, attempt, suffix)
}

// EvalKey builds the canonical artifact key for one evaluation attempt.
func EvalKey(runID string, trialID int64, evaluator, strategy string, attempt int, suffix string) string {
	return fmt.Sprintf("%s/trial-%04d/evaluation-%s-%s-attempt-%d%s", runID, trialID, evaluator, strategy, attempt, suffix)
}
