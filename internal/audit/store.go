package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mcpgateway/internal/config"
	"mcpgateway/pkg/logging"
)

// Store is the append-only event sink with admin-side reads.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Query(ctx context.Context, filter Filter) ([]Event, int, error)
	Close() error
}

// NewStore builds the file-backed store. Disabled audit yields a no-op
// sink so call sites never branch.
func NewStore(cfg config.AuditConfig) (Store, error) {
	if !cfg.Enabled {
		return &noopStore{}, nil
	}
	return newFileStore(cfg.Dir)
}

type noopStore struct{}

func (noopStore) Append(ctx context.Context, event *Event) error { return nil }
func (noopStore) Query(ctx context.Context, filter Filter) ([]Event, int, error) {
	return []Event{}, 0, nil
}
func (noopStore) Close() error { return nil }

// fileStore appends one JSONL file per stream. It is the only audit store:
// the distributed-index deployment uses it too, and nothing writes events
// to the audit index.
type fileStore struct {
	dir string
	mu  sync.Mutex
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) fileFor(stream string) string {
	return filepath.Join(s.dir, stream+".jsonl")
}

// Normalize stamps the mandatory fields.
func Normalize(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Version == "" {
		event.Version = SchemaVersion
	}
	if event.LogType == "" {
		event.LogType = StreamRegistryAPI
	}
	if event.CorrelationID == "" {
		event.CorrelationID = event.RequestID
	}
}

func (s *fileStore) Append(ctx context.Context, event *Event) error {
	Normalize(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.fileFor(event.LogType), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit stream: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *fileStore) readStream(stream string) ([]Event, error) {
	data, err := os.ReadFile(s.fileFor(stream))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var events []Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			logging.Warn("Audit", "Skipping corrupt audit line in %s: %v", stream, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *fileStore) Query(ctx context.Context, filter Filter) ([]Event, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	streams := []string{filter.Stream}
	if filter.Stream == "" {
		streams = []string{StreamRegistryAPI, StreamMCPAccess}
	}

	var matched []Event
	for _, stream := range streams {
		events, err := s.readStream(stream)
		if err != nil {
			return nil, 0, err
		}
		for i := range events {
			if filter.Matches(&events[i]) {
				matched = append(matched, events[i])
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			if filter.SortAscending {
				return matched[i].Timestamp.Before(matched[j].Timestamp)
			}
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].RequestID < matched[j].RequestID
	})

	total := len(matched)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	start := (page - 1) * size
	if start >= total {
		return []Event{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *fileStore) Close() error { return nil }
