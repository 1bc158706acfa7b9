package activity

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the lifecycle state of one activity entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FileInfo describes a file touched by a tool call.
type FileInfo struct {
	Path     string `json:"path"`
	Size     int    `json:"size,omitempty"`
	Language string `json:"language,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

// ShellInfo describes a shell command run by a tool call.
type ShellInfo struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Entry is one line of a run's activity log.
type Entry struct {
	ID        int        `json:"id"`
	Timestamp time.Time  `json:"ts"`
	Kind      Kind       `json:"kind"`
	Tool      string     `json:"tool,omitempty"`
	Summary   string     `json:"summary"`
	Status    Status     `json:"status"`
	File      *FileInfo  `json:"file,omitempty"`
	Shell     *ShellInfo `json:"shell,omitempty"`
}

const chunkSize = 32

type chunk struct {
	entries []Entry
	// frozen chunks are referenced by a snapshot and are cloned before the
	// next write.
	frozen bool
}

func (c *chunk) clone() *chunk {
	entries := make([]Entry, len(c.entries), chunkSize)
	copy(entries, c.entries)
	return &chunk{entries: entries}
}

// Log is an append-only activity log. Snapshots share storage with the log
// and stay immutable: a write to a shared chunk copies that chunk first.
type Log struct {
	mu     sync.Mutex
	chunks []*chunk
	count  int
}

func NewLog() *Log {
	return &Log{}
}

// Append adds e and returns its id. IDs start at 1 and are dense.
func (l *Log) Append(e Entry) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.chunks)
	if n == 0 || len(l.chunks[n-1].entries) == chunkSize {
		l.chunks = append(l.chunks, &chunk{entries: make([]Entry, 0, chunkSize)})
		n++
	} else if l.chunks[n-1].frozen {
		l.chunks[n-1] = l.chunks[n-1].clone()
	}

	l.count++
	e.ID = l.count
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c := l.chunks[n-1]
	c.entries = append(c.entries, e)
	return e.ID
}

// Update applies fn to the entry with the given id. The id is preserved.
func (l *Log) Update(id int, fn func(*Entry)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 1 || id > l.count {
		return false
	}
	ci, off := (id-1)/chunkSize, (id-1)%chunkSize
	if l.chunks[ci].frozen {
		l.chunks[ci] = l.chunks[ci].clone()
	}
	e := &l.chunks[ci].entries[off]
	fn(e)
	e.ID = id
	return true
}

// Get returns a copy of the entry with the given id.
func (l *Log) Get(id int) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 1 || id > l.count {
		return Entry{}, false
	}
	return l.chunks[(id-1)/chunkSize].entries[(id-1)%chunkSize], true
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Snapshot captures the log as it is now. It copies chunk pointers only.
func (l *Log) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	chunks := make([]*chunk, len(l.chunks))
	for i, c := range l.chunks {
		c.frozen = true
		chunks[i] = c
	}
	return Snapshot{chunks: chunks, n: l.count}
}

// Snapshot is an immutable view of a Log at a point in time.
type Snapshot struct {
	chunks []*chunk
	n      int
}

func (s Snapshot) Len() int { return s.n }

// At returns the i-th entry (zero-based).
func (s Snapshot) At(i int) Entry {
	return s.chunks[i/chunkSize].entries[i%chunkSize]
}

// Entries returns the entries as a fresh slice.
func (s Snapshot) Entries() []Entry {
	out := make([]Entry, 0, s.n)
	for _, c := range s.chunks {
		out = append(out, c.entries...)
	}
	return out
}

// Last returns the most recent entry.
func (s Snapshot) Last() (Entry, bool) {
	if s.n == 0 {
		return Entry{}, false
	}
	return s.At(s.n - 1), true
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Entries())
}
