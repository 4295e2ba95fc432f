package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"agent-orchestrator/backend/pkg/models"
)

const lockRetryDelay = 25 * time.Millisecond

// document is the on-disk shape of the ledger file.
type document struct {
	Requests []models.Request `yaml:"requests"`
}

// FileStore keeps the ledger in a YAML document. Writers serialise on an
// advisory lock file next to the ledger; each entry carries a version that
// is bumped on every write and checked when the write is read back, so an
// edit by someone who ignores the lock is detected rather than silently
// overwritten.
type FileStore struct {
	path string
	lock *flock.Flock
	now  func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock sets the time source used for UpdatedAt.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore opens (or lazily creates) the ledger at path.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	s := &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// List reads the ledger without taking the lock.
func (s *FileStore) List(ctx context.Context) ([]models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Requests, nil
}

// Get returns one request.
func (s *FileStore) Get(ctx context.Context, id string) (models.Request, error) {
	reqs, err := s.List(ctx)
	if err != nil {
		return models.Request{}, err
	}
	for _, r := range reqs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.Request{}, ErrNotFound
}

// UpdateStatus rewrites one entry under the lock and verifies it by reading
// the file back.
func (s *FileStore) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, reason string) (bool, error) {
	var want int
	found := false
	err := s.withLock(ctx, func(doc *document) (bool, error) {
		for i := range doc.Requests {
			r := &doc.Requests[i]
			if r.ID != id {
				continue
			}
			found = true
			r.Status = status
			r.Reason = reason
			r.Version++
			r.UpdatedAt = s.now().UTC()
			want = r.Version
			return true, nil
		}
		return false, nil
	})
	if err != nil || !found {
		return false, err
	}
	return s.verify(id, status, want)
}

// Create appends a request unless its id is already present.
func (s *FileStore) Create(ctx context.Context, req models.Request) (bool, error) {
	if req.ID == "" {
		return false, errors.New("ledger: request id is required")
	}
	added := false
	err := s.withLock(ctx, func(doc *document) (bool, error) {
		for _, r := range doc.Requests {
			if r.ID == req.ID {
				return false, nil
			}
		}
		if req.Status == "" {
			req.Status = models.RequestNew
		}
		req.Assignee = models.NormalizeAssignee(string(req.Assignee))
		req.Version = 1
		req.UpdatedAt = s.now().UTC()
		doc.Requests = append(doc.Requests, req)
		added = true
		return true, nil
	})
	return added, err
}

// withLock runs fn on the current document and writes it back if fn
// reports a change.
func (s *FileStore) withLock(ctx context.Context, fn func(*document) (bool, error)) error {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	if !locked {
		return errors.New("lock ledger: not acquired")
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(&doc)
	if err != nil || !changed {
		return err
	}
	return s.write(doc)
}

func (s *FileStore) verify(id string, status models.RequestStatus, version int) (bool, error) {
	doc, err := s.read()
	if err != nil {
		return false, err
	}
	for _, r := range doc.Requests {
		if r.ID == id {
			return r.Status == status && r.Version == version, nil
		}
	}
	return false, nil
}

func (s *FileStore) read() (document, error) {
	var doc document
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read ledger: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse ledger: %w", err)
	}
	return doc, nil
}

// write replaces the ledger atomically through a temp file and rename.
func (s *FileStore) write(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ledger-*.yaml")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
