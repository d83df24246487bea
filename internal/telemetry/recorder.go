package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// CSVHeader is written at the top of a fresh log.
var CSVHeader = []string{"timestamp", "temp", "pressure", "light_percent"}

// Recorder appends one CSV row per snapshot. Missing readings are empty
// cells. It is safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	out io.WriteCloser
	w   *csv.Writer
}

// NewRecorder writes rows to out. When header is true the column names are
// written first.
func NewRecorder(out io.WriteCloser, header bool) (*Recorder, error) {
	r := &Recorder{out: out, w: csv.NewWriter(out)}
	if header {
		if err := r.w.Write(CSVHeader); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		r.w.Flush()
		if err := r.w.Error(); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return r, nil
}

// OpenRecorder appends to a size-rotated CSV file at path.
func OpenRecorder(path string, maxSizeMB, maxBackups int) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	fresh := true
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		fresh = false
	}
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	return NewRecorder(out, fresh)
}

// Record writes one row stamped with ts in local time.
func (r *Recorder) Record(ts time.Time, s Snapshot) error {
	row := []string{
		ts.Local().Format("2006-01-02 15:04:05"),
		cell(s.TempValue()),
		cell(s.PressureValue()),
		cell(s.LightValue()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	r.w.Flush()
	return r.w.Error()
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		_ = r.out.Close()
		return err
	}
	return r.out.Close()
}

func cell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
