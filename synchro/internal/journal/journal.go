// Package journal records what a sync run did, as one JSONL file per run.
//
// Each line is a self-contained event: a stage transition, a per-source
// outcome, an error. The file is append-only while the run is live and is
// the artifact operators read when a run behaved unexpectedly. Reading is
// tolerant: a crash can leave a torn final line, and torn lines are
// skipped, not fatal.
//
// The package also provides atomic snapshot writes (write tmp, rename) for
// state that must never be observed half-written, and a safe-name guard for
// anything derived from external input that ends up in a filename.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/idgen"
)

// ErrUnsafeName is returned when a name would escape the journal directory.
var ErrUnsafeName = errors.New("journal: unsafe file name")

// Event is one JSONL line in a run journal.
type Event struct {
	Time     time.Time      `json:"time"`
	RunID    string         `json:"run_id"`
	Stage    string         `json:"stage,omitempty"`
	SourceID string         `json:"source_id,omitempty"`
	Status   string         `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// tmpSuffix makes concurrent writers of the same target use distinct tmp
// files, so one rename cannot swallow another's half-written data.
var tmpSuffix = idgen.NanoID(8)

// Journal is an append-only event log for one sync run.
type Journal struct {
	dir   string
	runID string
	path  string

	mu sync.Mutex
	f  *os.File
}

// Open creates (or reopens, appending) the journal for a run.
func Open(dir, runID string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	name, err := SafeName(dir, runID+".jsonl")
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", name, err)
	}
	return &Journal{dir: dir, runID: runID, path: name, f: f}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes one event as a single JSONL line. Zero Time and empty
// RunID are filled in.
func (j *Journal) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.RunID == "" {
		ev.RunID = j.runID
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: marshal event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("journal: close: %w", err)
	}
	return nil
}

// WriteArtifact saves a named blob next to the journal, atomically. Used
// for post-mortem material such as a response body that failed to parse.
// Returns the written path.
func (j *Journal) WriteArtifact(name string, data []byte) (string, error) {
	target, err := SafeName(j.dir, name)
	if err != nil {
		return "", err
	}
	if err := WriteAtomic(target, data); err != nil {
		return "", err
	}
	return target, nil
}

// ReadEvents loads all well-formed events from a journal file. Malformed
// lines (typically a torn final line after a crash) are skipped.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("journal: scan %s: %w", path, err)
	}
	return out, nil
}

// CompletedSources returns the source ids that reached a terminal status in
// a previous journal, letting a resumed run skip work it already finished.
func CompletedSources(events []Event) map[string]string {
	done := make(map[string]string)
	for _, ev := range events {
		if ev.SourceID == "" {
			continue
		}
		switch ev.Status {
		case "completed", "skipped":
			done[ev.SourceID] = ev.Status
		case "failed":
			// A later retry may still succeed; failed is not resumable-done.
			delete(done, ev.SourceID)
		}
	}
	return done
}

// WriteAtomic writes data to target via a temp file and rename, so readers
// never observe a partial file.
func WriteAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir %s: %w", filepath.Dir(target), err)
	}
	tmp := target + "." + tmpSuffix() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("journal: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("journal: rename: %w", err)
	}
	return nil
}

// WriteSnapshot marshals v as indented JSON and writes it atomically.
func WriteSnapshot(target string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal snapshot: %w", err)
	}
	return WriteAtomic(target, append(data, '\n'))
}

// ReadSnapshot loads a snapshot written by WriteSnapshot. Returns
// os.ErrNotExist (wrapped) when the file does not exist.
func ReadSnapshot(target string, v any) error {
	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("journal: read snapshot %s: %w", target, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("journal: unmarshal snapshot %s: %w", target, err)
	}
	return nil
}

// SafeName joins base and name, rejecting names that would escape base.
func SafeName(base, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") {
		return "", ErrUnsafeName
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+name))
	if cleaned != filepath.Clean(base) &&
		!strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) {
		return "", ErrUnsafeName
	}
	return cleaned, nil
}

// Log appends a stage event, dropping the write error. Journal writes never
// interrupt a run.
func (j *Journal) Log(stage, sourceID, status, message string) {
	_ = j.Append(Event{Stage: stage, SourceID: sourceID, Status: status, Message: message})
}
