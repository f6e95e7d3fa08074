// Package journal appends evaluation results to a JSON-lines file as they
// complete, so a long run can be inspected or resumed after a crash.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fractal-lba/ragguard/internal/api"
)

// Journal is an append-only file of EvalResults, one JSON object per line.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens the journal at path for appending.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{file: file, path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Record appends r and fsyncs. It satisfies eval.Recorder.
func (j *Journal) Record(r api.EvalResult) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", r.CaseID, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads every result in the journal at path. A missing file yields
// no results; malformed lines, such as a torn final write, are skipped.
func Replay(path string) ([]api.EvalResult, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var results []api.EvalResult
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var r api.EvalResult
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil || r.CaseID == "" {
			continue
		}
		results = append(results, r)
	}
	return results, scanner.Err()
}

// Completed returns the IDs of cases in results that finished without an
// error. Later entries for the same case win.
func Completed(results []api.EvalResult) map[string]bool {
	done := make(map[string]bool, len(results))
	for _, r := range results {
		done[r.CaseID] = r.Error == ""
	}
	for id, ok := range done {
		if !ok {
			delete(done, id)
		}
	}
	return done
}
