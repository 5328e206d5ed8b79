package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ppiankov/govgate/internal/model"
)

// FileStore is an append-only JSONL ledger. Every line is one Event; the
// chain is re-read on Open and kept in memory for queries.
type FileStore struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	events []Event
	byID   map[string]int
}

// OpenFile opens (or creates) a JSONL ledger for appending.
// Existing lines are loaded to recover the chain tail.
func OpenFile(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	events, err := readEvents(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open file: %w", err)
	}

	fs := &FileStore{
		path:   path,
		file:   file,
		events: events,
		byID:   make(map[string]int, len(events)),
	}
	for i := range events {
		fs.byID[events[i].ID] = i
	}
	return fs, nil
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger: parse line %d: %w", lineNum, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan %s: %w", path, err)
	}
	return events, nil
}

// Append builds the next event from the tail, writes it as one line and
// syncs before the event becomes visible.
func (f *FileStore) Append(_ context.Context, build BuildFunc) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var tail *Event
	if n := len(f.events); n > 0 {
		t := f.events[n-1]
		tail = &t
	}
	e, err := build(tail)
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal event: %w", err)
	}
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("ledger: write event: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return nil, fmt.Errorf("ledger: sync: %w", err)
	}

	f.byID[e.ID] = len(f.events)
	f.events = append(f.events, *e)
	out := *e
	return &out, nil
}

func (f *FileStore) Tail(_ context.Context) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil, nil
	}
	e := f.events[len(f.events)-1]
	return &e, nil
}

func (f *FileStore) Get(_ context.Context, id string) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	e := f.events[i]
	return &e, nil
}

func (f *FileStore) List(_ context.Context, afterSeq int64, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sliceAfter(f.events, afterSeq, limit), nil
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

// Close closes the underlying file.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// VerifyFile reads a JSONL ledger from disk and validates the whole chain
// without opening it for writing.
func VerifyFile(path string) VerifyResult {
	events, err := readEvents(path)
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}
	return VerifyEvents(events)
}
