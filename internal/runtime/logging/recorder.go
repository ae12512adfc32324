package logging

import (
	"strings"
	"sync"
)

// Record is one line captured by a Recorder.
type Record struct {
	Level  string
	Msg    string
	Err    error
	Fields LogFields
}

// Recorder is a ServiceLogger that keeps every line in memory. Children created
// with With share the parent's buffer. It is safe for concurrent use and is
// meant for tests of code that logs from several goroutines.
type Recorder struct {
	buf  *recordBuffer
	base LogFields
}

type recordBuffer struct {
	mu      sync.Mutex
	records []Record
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{buf: &recordBuffer{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	return &Recorder{buf: r.buf, base: mergeFields(r.base, fields)}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.add("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.add("info", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.add("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, err, fields)
}

// Records returns a snapshot of everything logged so far.
func (r *Recorder) Records() []Record {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	out := make([]Record, len(r.buf.records))
	copy(out, r.buf.records)
	return out
}

// Find returns the records at level whose message contains substr.
func (r *Recorder) Find(level, substr string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Level == level && strings.Contains(rec.Msg, substr) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Recorder) add(level, msg string, err error, fields LogFields) {
	rec := Record{Level: level, Msg: msg, Err: err, Fields: mergeFields(r.base, fields)}
	r.buf.mu.Lock()
	r.buf.records = append(r.buf.records, rec)
	r.buf.mu.Unlock()
}

func mergeFields(base, extra LogFields) LogFields {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(LogFields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
