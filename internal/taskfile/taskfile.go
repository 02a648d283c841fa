// Package taskfile reads and writes the record of a detached watch task:
// a single line "<2006-01-02-15-04> <pid>".
package taskfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Layout is the timestamp format of a record
const Layout = "2006-01-02-15-04"

// ErrMalformed is returned when the file does not hold a valid record
var ErrMalformed = errors.New("malformed task file")

// Record identifies a detached watch process
type Record struct {
	Started time.Time
	PID     int
}

// String formats r as the single line stored on disk
func (r Record) String() string {
	return r.Started.Format(Layout) + " " + strconv.Itoa(r.PID)
}

// Parse reads a record from one line
func Parse(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	started, err := time.ParseInLocation(Layout, fields[0], time.Local)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, fields[0])
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("%w: bad pid %q", ErrMalformed, fields[1])
	}
	return Record{Started: started, PID: pid}, nil
}

// Write stores r at path, replacing any previous record atomically
func Write(path string, r Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(r.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close task file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace task file: %w", err)
	}
	return nil
}

// Read loads the record at path. A missing file is reported with an error
// satisfying os.IsNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	return Parse(strings.TrimSpace(string(data)))
}

// Check reads the record at path and reports whether it is younger than
// maxAge at now. Missing, malformed and stale files report ok=false
// without an error; stale files are left in place.
func Check(path string, maxAge time.Duration, now time.Time) (Record, bool) {
	r, err := Read(path)
	if err != nil {
		return Record{}, false
	}
	age := now.Sub(r.Started)
	// A record from the future is a clock change, not a live task
	if age < 0 || age >= maxAge {
		return r, false
	}
	return r, true
}

// Clear removes the task file. A missing file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove task file: %w", err)
	}
	return nil
}
