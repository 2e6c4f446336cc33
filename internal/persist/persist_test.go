package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/fileset"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

type mapSource map[string]*fileset.FileSet

func (m mapSource) Lookup(id string) (*fileset.FileSet, bool) {
	fs, ok := m[id]
	return fs, ok
}

type recordingWriter struct {
	mu     sync.Mutex
	writes map[string][][]store.File
	times  []time.Time
	delay  time.Duration
	err    error
	active int
	peak   int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{writes: make(map[string][][]store.File)}
}

func (w *recordingWriter) UpdateFiles(_ context.Context, id string, files []store.File) error {
	w.mu.Lock()
	w.active++
	w.peak = max(w.peak, w.active)
	w.mu.Unlock()

	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	w.writes[id] = append(w.writes[id], files)
	w.times = append(w.times, time.Now())
	return w.err
}

func (w *recordingWriter) count(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes[id])
}

func (w *recordingWriter) last(id string) []store.File {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws := w.writes[id]
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

func testConfig() Config {
	return Config{Debounce: 30 * time.Millisecond, Timeout: time.Second}
}

func TestDebounceCoalesces(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	s := New(mapSource{"p1": fs}, w, testConfig(), zap.NewNop())

	for i := 0; i < 10; i++ {
		fs.UpdateContent(fileset.DefaultFileID, "v"+string(rune('0'+i)))
		s.Schedule("p1")
	}
	assert.True(t, s.Pending("p1"))

	require.Eventually(t, func() bool { return w.count("p1") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, w.count("p1"), "calls in one window must produce one write")
	assert.Equal(t, "v9", w.last("p1")[0].Content)
	assert.Eventually(t, func() bool { return !s.Pending("p1") }, time.Second, 5*time.Millisecond)
}

func TestSaveWritesLatestStateAtFireTime(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	s := New(mapSource{"p1": fs}, w, testConfig(), zap.NewNop())

	s.Schedule("p1")
	created, err := fs.CreateFile("late.js")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.count("p1") == 1 }, time.Second, 5*time.Millisecond)
	files := w.last("p1")
	require.Len(t, files, 2)
	assert.Equal(t, fileset.DefaultFileID, files[0].ID)
	assert.Equal(t, created.ID, files[1].ID)
}

func TestMaxWaitBoundsDeferral(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	cfg := Config{Debounce: 40 * time.Millisecond, MaxWait: 100 * time.Millisecond, Timeout: time.Second}
	s := New(mapSource{"p1": fs}, w, cfg, zap.NewNop())

	start := time.Now()
	stop := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			s.Schedule("p1")
			time.Sleep(10 * time.Millisecond)
		}
	}
	time.Sleep(60 * time.Millisecond)

	assert.GreaterOrEqual(t, w.count("p1"), 2, "continuous edits must still be saved")
	w.mu.Lock()
	first := w.times[0]
	w.mu.Unlock()
	assert.Less(t, first.Sub(start), 250*time.Millisecond)
}

func TestSavesForOneProjectDoNotOverlap(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	w.delay = 50 * time.Millisecond
	cfg := Config{Debounce: 5 * time.Millisecond, Timeout: time.Second}
	s := New(mapSource{"p1": fs}, w, cfg, zap.NewNop())

	s.Schedule("p1")
	time.Sleep(20 * time.Millisecond) // first save in flight
	fs.UpdateContent(fileset.DefaultFileID, "second")
	s.Schedule("p1")

	require.Eventually(t, func() bool { return w.count("p1") == 2 }, time.Second, 5*time.Millisecond)
	w.mu.Lock()
	peak := w.peak
	w.mu.Unlock()
	assert.Equal(t, 1, peak)
	assert.Equal(t, "second", w.last("p1")[0].Content)
}

func TestFailureIsLoggedNotRetried(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	fs := fileset.New("p1")
	w := newRecordingWriter()
	w.err = errors.New("store unavailable")
	s := New(mapSource{"p1": fs}, w, testConfig(), zap.New(core))

	fs.UpdateContent(fileset.DefaultFileID, "kept in memory")
	s.Schedule("p1")

	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, w.count("p1"))
	assert.Equal(t, "p1", logs.All()[0].ContextMap()["project"])
	assert.Equal(t, "kept in memory", fs.Flatten()[0].Content, "in-memory state is not rolled back")
}

func TestCancel(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	s := New(mapSource{"p1": fs}, w, testConfig(), zap.NewNop())

	s.Schedule("p1")
	s.Cancel("p1")
	assert.False(t, s.Pending("p1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, w.count("p1"))
}

func TestFlush(t *testing.T) {
	a, b := fileset.New("a"), fileset.New("b")
	w := newRecordingWriter()
	cfg := Config{Debounce: time.Hour, Timeout: time.Second}
	s := New(mapSource{"a": a, "b": b}, w, cfg, zap.NewNop())

	s.Schedule("a")
	s.Schedule("b")
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 1, w.count("a"))
	assert.Equal(t, 1, w.count("b"))
	assert.False(t, s.Pending("a"))
}

func TestFlushHonoursContext(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	w.delay = 200 * time.Millisecond
	s := New(mapSource{"p1": fs}, w, Config{Debounce: time.Hour, Timeout: time.Second}, zap.NewNop())

	s.Schedule("p1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)
}

func TestUnloadedProjectIsSkipped(t *testing.T) {
	w := newRecordingWriter()
	s := New(mapSource{}, w, testConfig(), zap.NewNop())

	s.Schedule("gone")
	assert.Eventually(t, func() bool { return !s.Pending("gone") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, w.count("gone"))
}

func TestScheduleAfterFlushIsIgnored(t *testing.T) {
	fs := fileset.New("p1")
	w := newRecordingWriter()
	s := New(mapSource{"p1": fs}, w, testConfig(), zap.NewNop())

	s.Schedule("p1")
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, w.count("p1"))

	s.Schedule("p1")
	assert.False(t, s.Pending("p1"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, w.count("p1"))
}
