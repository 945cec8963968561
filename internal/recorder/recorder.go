package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxRotatedFiles is how many run traces stay on disk.
	MaxRotatedFiles = 3
	DefaultDir      = "data/traces"
)

// Event is one line of a run trace.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data"`
}

// Recorder writes one JSONL trace per workflow run and keeps only the newest
// MaxRotatedFiles of them.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	path    string
	encoder *json.Encoder
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a recorder writing under dir, creating the directory.
func New(dir string, logger *zap.Logger) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{dir: dir, logger: logger.Named("recorder"), now: time.Now}, nil
}

// Start opens a trace for runID, closing any open one and rotating old traces.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", runID, r.now().UnixMilli())
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.path = path
	r.encoder = json.NewEncoder(f)
	r.logger.Debug("Trace started", zap.String("run_id", runID), zap.String("path", path))
	return nil
}

// Log appends an event to the open trace. Without an open trace it is a no-op.
func (r *Recorder) Log(eventType, runID string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	evt := Event{Timestamp: r.now(), Type: eventType, RunID: runID, Data: data}
	if err := r.encoder.Encode(evt); err != nil {
		r.logger.Warn("Failed to write trace event", zap.String("type", eventType), zap.Error(err))
	}
}

// Path returns the most recently started trace file, or "" before the first Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}

type trace struct {
	name    string
	modTime time.Time
}

// rotate deletes the oldest traces so that, after the next one is created,
// at most MaxRotatedFiles remain.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	var traces []trace
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "trace_") || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{name: e.Name(), modTime: info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].modTime.Equal(traces[j].modTime) {
			return traces[i].name > traces[j].name
		}
		return traces[i].modTime.After(traces[j].modTime)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		path := filepath.Join(r.dir, traces[i].name)
		if err := os.Remove(path); err != nil {
			r.logger.Warn("Failed to remove old trace", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// ReadEvents decodes a trace file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return events, fmt.Errorf("decode trace line %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	return events, sc.Err()
}
