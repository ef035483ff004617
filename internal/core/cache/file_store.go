package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

const recordExt = ".json"

// FileStore writes one JSON file per record under root, with one
// subdirectory per namespace. Writes go to a temp file in the same
// directory and are installed with os.Rename.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key core.CacheKey) (string, error) {
	if key.Fingerprint == "" || strings.ContainsAny(key.Fingerprint, `/\`) || strings.HasPrefix(key.Fingerprint, ".") {
		return "", fmt.Errorf("file store: bad fingerprint %q", key.Fingerprint)
	}
	dir := s.root
	if key.Namespace != "" {
		dir = filepath.Join(s.root, filepath.FromSlash(key.Namespace))
		if rel, err := filepath.Rel(s.root, dir); err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("file store: namespace %q escapes root", key.Namespace)
		}
	}
	return filepath.Join(dir, key.Fingerprint+recordExt), nil
}

func (s *FileStore) Load(_ context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return readRecord(p)
}

func readRecord(p string) (*models.CacheRecord, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	var rec models.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
	}
	return &rec, nil
}

func (s *FileStore) Save(_ context.Context, key core.CacheKey, rec *models.CacheRecord) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install record: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key core.CacheKey) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) DeleteIfExpired(_ context.Context, key core.CacheKey, now time.Time) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	return removeIfExpired(p, now)
}

// DeleteExpired walks every namespace. Unreadable records are removed too.
func (s *FileStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.walk(func(p string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := readRecord(p)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err == nil && !rec.Expired(now) {
			return nil
		}
		if ok, _ := removeIfExpired(p, now); ok {
			removed++
		}
		return nil
	})
	return removed, err
}

// removeIfExpired moves the record aside before judging it, so the check and
// the removal see the same file. A live record is linked back unless a newer
// one was installed in the meantime.
func removeIfExpired(p string, now time.Time) (bool, error) {
	aside := filepath.Join(filepath.Dir(p), ".del-"+uuid.NewString()+"-"+filepath.Base(p))
	if err := os.Rename(p, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	rec, err := readRecord(aside)
	if err != nil || rec.Expired(now) {
		return true, os.Remove(aside)
	}
	if err := os.Link(aside, p); err != nil && !errors.Is(err, fs.ErrExist) {
		os.Remove(aside)
		return false, fmt.Errorf("restore record: %w", err)
	}
	return false, os.Remove(aside)
}

func (s *FileStore) Count(context.Context) (int, error) {
	n := 0
	err := s.walk(func(string) error {
		n++
		return nil
	})
	return n, err
}

func (s *FileStore) walk(fn func(path string) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), recordExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		return fn(p)
	})
}

var _ core.ExpiryDeleter = (*FileStore)(nil)
