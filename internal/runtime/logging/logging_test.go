package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryServiceLoggerDelegates(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)

	logger.Info("bus started", LogFields{FieldGroup: "api-consumers"})

	loop := logger.With(LogFields{FieldStream: "TaskMessage"})
	loop.Debug("poll returned nothing", LogFields{FieldConsumer: "host-1"})

	boom := errors.New("boom")
	loop.Error("handler failed", boom, LogFields{FieldEntryID: "1-0"})
	loop.Trace("tick", nil)

	logs := entry.recorder.logs
	require.Len(t, logs, 4)

	assert.Equal(t, "info", logs[0].level)
	assert.Equal(t, "bus started", logs[0].msg)
	assert.Equal(t, "api-consumers", logs[0].fields[FieldGroup])

	assert.Equal(t, "debug", logs[1].level)
	assert.Equal(t, "TaskMessage", logs[1].fields[FieldStream])
	assert.Equal(t, "host-1", logs[1].fields[FieldConsumer])

	assert.Equal(t, "error", logs[2].level)
	assert.Same(t, boom, logs[2].err)
	assert.Equal(t, "1-0", logs[2].fields[FieldEntryID])

	assert.Equal(t, "trace", logs[3].level)
}

func TestEntryServiceLoggerWithNilFieldsReturnsSelf(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)
	assert.Same(t, logger, logger.With(nil))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.PanicsWithValue(t, "streambus: entry logger cannot be nil", func() {
		NewEntryServiceLogger[EntryLogger](nil)
	})
	assert.PanicsWithValue(t, "streambus: watermill logger cannot be nil", func() {
		NewWatermillServiceLogger(nil)
	})
	assert.PanicsWithValue(t, "streambus: slog logger cannot be nil", func() {
		NewSlogServiceLogger(nil)
	})
	assert.PanicsWithValue(t, "streambus: ServiceLogger cannot be nil", func() {
		NewWatermillAdapter(nil)
	})
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := &recordingWatermillLogger{sink: &[]watermillEntry{}}
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "consumer"})
	logger.Info("info", nil)
	boom := errors.New("boom")
	logger.Error("oops", boom, LogFields{"failed": true})
	logger.With(LogFields{FieldStream: "ResultMessage"}).Info("child", nil)

	entries := *base.sink
	require.Len(t, entries, 4)
	assert.Equal(t, "debug", entries[0].level)
	assert.Equal(t, "consumer", entries[0].fields["component"])
	assert.Nil(t, entries[1].fields)
	assert.Same(t, boom, entries[2].err)
	assert.Equal(t, "child", entries[3].msg)
	assert.Equal(t, "ResultMessage", entries[3].fields[FieldStream])
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := NewRecorder()
	adapter := NewWatermillAdapter(rec)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": "yes"}).Info("child_info", nil)

	records := rec.Records()
	require.Len(t, records, 5)
	assert.Equal(t, "v", records[0].Fields["k"])
	assert.Nil(t, records[1].Fields)
	assert.EqualError(t, records[3].Err, "boom")
	assert.Equal(t, "yes", records[4].Fields["child"])
}

func TestRecorderMergesFieldsAndIsConcurrencySafe(t *testing.T) {
	rec := NewRecorder()
	child := rec.With(LogFields{FieldStream: "TaskMessage"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child.Info("processed", LogFields{FieldEntryID: fmt.Sprintf("%d-0", i)})
		}(i)
	}
	wg.Wait()
	rec.Error("poll failed", errors.New("down"), nil)

	found := rec.Find("info", "processed")
	require.Len(t, found, 20)
	for _, r := range found {
		assert.Equal(t, "TaskMessage", r.Fields[FieldStream])
		assert.NotEmpty(t, r.Fields[FieldEntryID])
	}
	assert.Len(t, rec.Find("error", "poll"), 1)
	assert.Empty(t, rec.Find("debug", ""))
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))

	wm := toWatermillFields(LogFields{"a": 1})
	assert.Equal(t, 1, wm["a"])
	assert.Equal(t, 1, fromWatermillFields(wm)["a"])
}

func TestNewSlogServiceLoggerWritesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("hello", LogFields{FieldStream: "TaskMessage"})

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "stream=TaskMessage")
}

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	logger.With(LogFields{"a": 1}).Error("ignored", errors.New("boom"), nil)
}

type watermillEntry struct {
	level  string
	msg    string
	fields watermill.LogFields
	err    error
}

type recordingWatermillLogger struct {
	sink *[]watermillEntry
	base watermill.LogFields
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	merged := watermill.LogFields(mergeFields(LogFields(r.base), LogFields(fields)))
	*r.sink = append(*r.sink, watermillEntry{level: level, msg: msg, fields: merged, err: err})
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &recordingWatermillLogger{sink: r.sink, base: watermill.LogFields(mergeFields(LogFields(r.base), LogFields(fields)))}
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type fakeEntry struct {
	recorder *entryRecorder
	fields   LogFields
	err      error
}

type entryRecorder struct {
	logs []loggedEntry
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{recorder: &entryRecorder{}}
}

func (f *fakeEntry) clone() *fakeEntry {
	return &fakeEntry{recorder: f.recorder, fields: mergeFields(f.fields, nil), err: f.err}
}

func (f *fakeEntry) Error(args ...any) { f.append("error", args...) }
func (f *fakeEntry) Info(args ...any)  { f.append("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.append("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.append("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	clone := f.clone()
	clone.err = err
	return clone
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	clone := f.clone()
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return clone
}

func (f *fakeEntry) append(level string, args ...any) {
	f.recorder.logs = append(f.recorder.logs, loggedEntry{
		level:  level,
		msg:    fmt.Sprint(args...),
		fields: mergeFields(f.fields, nil),
		err:    f.err,
	})
}
