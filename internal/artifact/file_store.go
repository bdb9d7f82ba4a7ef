package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"qaloop/internal/safeio"
)

// FileStore persists artifacts under a local root directory, which is also
// what the viewer serves. All paths are confined to the root.
type FileStore struct {
	root string
	// Backup copies the previous content to "<file>.backup-<unix>" before
	// every overwrite.
	Backup bool
	now    func() time.Time

	mu   sync.Mutex
	fsys *safeio.SafeFS
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root), Backup: true, now: time.Now}
}

// open binds the store to its root on first use so the root may be created
// after construction.
func (s *FileStore) open() (*safeio.SafeFS, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if s.root == "" {
		return nil, fmt.Errorf("root is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsys == nil {
		fsys, err := safeio.NewSafeFS(s.root)
		if err != nil {
			return nil, err
		}
		s.fsys = fsys
	}
	return s.fsys, nil
}

func (s *FileStore) pathFor(ref string) (*safeio.SafeFS, string, error) {
	fsys, err := s.open()
	if err != nil {
		return nil, "", err
	}
	clean, err := CleanRef(ref)
	if err != nil {
		return nil, "", err
	}
	return fsys, filepath.FromSlash(clean), nil
}

func (s *FileStore) Load(_ context.Context, ref string) ([]byte, error) {
	fsys, rel, err := s.pathFor(ref)
	if err != nil {
		return nil, err
	}
	b, err := fsys.ReadFile(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return b, err
}

// Save writes content atomically, so a failed write leaves the old content
// intact.
func (s *FileStore) Save(ctx context.Context, ref string, content []byte) error {
	fsys, rel, err := s.pathFor(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.Backup {
		if prev, err := fsys.ReadFile(rel); err == nil {
			backup := rel + ".backup-" + strconv.FormatInt(s.now().Unix(), 10)
			if err := fsys.WriteFile(backup, prev, 0o644); err != nil {
				return fmt.Errorf("backup %s: %w", ref, err)
			}
			log.Printf("artifact store: backup %s", filepath.Base(backup))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if err := fsys.WriteFile(rel, content, 0o644); err != nil {
		return fmt.Errorf("save %s: %w", ref, err)
	}
	return nil
}
