package escalation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"agent-orchestrator/backend/pkg/models"
)

// Record is one line of the escalation log.
type Record struct {
	ID        string                  `json:"id"`
	RequestID string                  `json:"request_id"`
	Reason    models.EscalationReason `json:"reason"`
	Detail    string                  `json:"detail,omitempty"`
	At        time.Time               `json:"at"`
}

// FileLog is an append-only JSON Lines file for out-of-band follow-up.
type FileLog struct {
	path string
	lock *flock.Flock
}

// NewFileLog creates a log at path, creating its directory.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create escalation log directory: %w", err)
	}
	return &FileLog{path: path, lock: flock.New(path + ".lock")}, nil
}

// Append writes rec as one line.
func (l *FileLog) Append(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}
	line = append(line, '\n')

	locked, err := l.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock escalation log: %w", err)
	}
	if !locked {
		return errors.New("lock escalation log: not acquired")
	}
	defer func() { _ = l.lock.Unlock() }()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open escalation log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append escalation: %w", err)
	}
	return f.Close()
}

// ReadAll returns every record in file order. Malformed lines are skipped.
func (l *FileLog) ReadAll() ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
