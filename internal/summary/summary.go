// Package summary implements the monitoring scalar sink: an append-only log of named,
// step-indexed scalar values that external tooling can plot.
//
// Records are written as one JSON object per line to "scalars.jsonl" inside the run's
// log directory. The Writer buffers writes; Close must run on every exit path of a run,
// including errors, so the log is flushed.
package summary

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScalarsFileName inside the run directory.
const ScalarsFileName = "scalars.jsonl"

// Record is one scalar observation.
type Record struct {
	Tag   string  `json:"tag"`
	Step  int     `json:"step"`
	Value float32 `json:"value"`

	// Wall is the observation time in Unix milliseconds.
	Wall int64 `json:"wall"`
}

// Writer appends scalar records for one training run.
type Writer struct {
	dir string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder

	// firstErr stores the first write failure; reported by Close.
	firstErr error
}

// NewWriter creates the run directory (and parents) if needed and opens the scalars
// file for appending.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", dir)
	}
	file, err := os.OpenFile(filepath.Join(dir, ScalarsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open scalars file in %q", dir)
	}
	w := &Writer{dir: dir, file: file}
	w.buf = bufio.NewWriter(file)
	w.enc = json.NewEncoder(w.buf)
	return w, nil
}

// Dir returns the run's log directory.
func (w *Writer) Dir() string { return w.dir }

// AddScalar appends one record. Failures are sticky and reported by Close, so the
// training loop doesn't check an error per scalar.
func (w *Writer) AddScalar(tag string, step int, value float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr != nil {
		return
	}
	err := w.enc.Encode(Record{Tag: tag, Step: step, Value: value, Wall: time.Now().UnixMilli()})
	if err != nil {
		w.firstErr = errors.Wrapf(err, "failed to append scalar %q at step %d", tag, step)
		klog.Errorf("summary: %+v", w.firstErr)
	}
}

// Close flushes and closes the scalars file. It returns the first error seen by the
// writer, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return w.firstErr
	}
	if err := w.buf.Flush(); err != nil && w.firstErr == nil {
		w.firstErr = errors.Wrap(err, "failed to flush scalars file")
	}
	if err := w.file.Close(); err != nil && w.firstErr == nil {
		w.firstErr = errors.Wrap(err, "failed to close scalars file")
	}
	w.file = nil
	return w.firstErr
}

// RunDir names the log directory for a run, deterministically from its parameters:
// <base>/<model>/<width>/ep_<start>,<end>-lr_<rate>.
func RunDir(base, modelName string, width, startEpoch, endEpoch int, learnRate float64) string {
	return filepath.Join(
		base, modelName, strconv.Itoa(width),
		fmt.Sprintf("ep_%d,%d-lr_%s", startEpoch, endEpoch, strconv.FormatFloat(learnRate, 'g', -1, 64)),
	)
}
