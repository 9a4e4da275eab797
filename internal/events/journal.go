package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxJournalSize is the size at which the journal is rotated.
	DefaultMaxJournalSize = 16 * 1024 * 1024
	// ArchiveDir receives rotated journals, next to the live one.
	ArchiveDir = "archive"
)

// JournalEntry is one line of the JSONL journal.
type JournalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Sequence  int64     `json:"sequence"`
	Source    string    `json:"source,omitempty"`
	Fake      bool      `json:"fake,omitempty"`
}

// Journal appends bus events to a JSONL file and rotates it into
// archive/ once it grows past maxSize.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	currentSize int64
	maxSize     int64
	rotations   int
	unsub       []func()
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = st.Size()
	return nil
}

// Attach subscribes the journal to the given event types on bus. The
// subscriptions end on Close.
func (j *Journal) Attach(bus *Bus, types ...EventType) {
	for _, t := range types {
		sub := bus.Subscribe(t, func(ev Event) { _ = j.Write(ev) })
		j.mu.Lock()
		j.unsub = append(j.unsub, sub)
		j.mu.Unlock()
	}
}

// Write appends ev as one JSON line.
func (j *Journal) Write(ev Event) error {
	data, err := json.Marshal(JournalEntry{
		Timestamp: ev.Timestamp.UTC(),
		EventType: ev.Type,
		Sequence:  ev.Sequence,
		Source:    ev.Source,
		Fake:      ev.Fake,
	})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	j.file = nil

	archive := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), filepath.Ext(j.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotations, filepath.Ext(j.path))
	if err := os.Rename(j.path, filepath.Join(archive, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

// Size is the current size of the live journal file.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// Close unsubscribes from the bus and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	unsub := j.unsub
	j.unsub = nil
	j.mu.Unlock()
	for _, u := range unsub {
		u()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
