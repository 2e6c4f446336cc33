// Package persist writes live file sets back to the durable store on a
// trailing-edge debounce.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/fileset"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/metrics"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

type Config struct {
	// Quiet period after the last change before a save fires.
	Debounce time.Duration
	// Upper bound on how long a change may wait under continuous edits.
	// Zero means no bound.
	MaxWait time.Duration
	// Per-save store deadline.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce: time.Second,
		MaxWait:  10 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Source resolves a project to its live file set.
type Source interface {
	Lookup(projectID string) (*fileset.FileSet, bool)
}

type Writer interface {
	UpdateFiles(ctx context.Context, projectID string, files []store.File) error
}

type job struct {
	timer   *time.Timer
	gen     uint64
	first   time.Time
	running bool
	again   bool
}

type Scheduler struct {
	source Source
	writer Writer
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup
}

func New(source Source, writer Writer, config Config, logger *zap.Logger) *Scheduler {
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Scheduler{
		source: source,
		writer: writer,
		config: config,
		logger: logger.Named("persist"),
		jobs:   make(map[string]*job),
	}
}

// Schedule arms or re-arms the save for projectID. All calls inside one
// debounce window collapse into a single write of the state at fire time.
func (s *Scheduler) Schedule(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("save requested after flush", zap.String("project", projectID))
		return
	}

	j, ok := s.jobs[projectID]
	if !ok {
		j = &job{}
		s.jobs[projectID] = j
	}

	now := time.Now()
	if j.timer == nil {
		j.first = now
	} else {
		j.timer.Stop()
	}

	delay := s.config.Debounce
	if s.config.MaxWait > 0 {
		if left := j.first.Add(s.config.MaxWait).Sub(now); left < delay {
			delay = max(left, 0)
		}
	}

	j.gen++
	gen := j.gen
	j.timer = time.AfterFunc(delay, func() { s.fire(projectID, gen) })
}

func (s *Scheduler) fire(projectID string, gen uint64) {
	s.mu.Lock()
	j, ok := s.jobs[projectID]
	if s.closed || !ok || j.gen != gen {
		// Superseded by a later Schedule, cancelled, or flushed.
		s.mu.Unlock()
		return
	}
	j.timer = nil
	start := s.startLocked(projectID, j)
	s.mu.Unlock()

	if start {
		s.run(projectID)
	}
}

// startLocked claims the project's save slot. When a save is already in
// flight it queues exactly one rerun instead.
func (s *Scheduler) startLocked(projectID string, j *job) bool {
	if j.running {
		j.again = true
		return false
	}
	j.running = true
	s.wg.Add(1)
	return true
}

func (s *Scheduler) run(projectID string) {
	defer s.wg.Done()
	for {
		s.save(projectID)

		s.mu.Lock()
		j := s.jobs[projectID]
		if j.again {
			j.again = false
			s.mu.Unlock()
			continue
		}
		j.running = false
		if j.timer == nil {
			delete(s.jobs, projectID)
		}
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) save(projectID string) {
	fs, ok := s.source.Lookup(projectID)
	if !ok {
		s.logger.Debug("skipping save of unloaded project", zap.String("project", projectID))
		return
	}
	files := fs.Flatten()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	start := time.Now()
	err := s.writer.UpdateFiles(ctx, projectID, files)
	metrics.ObserveSave(time.Since(start), err)
	if err != nil {
		// No retry; the next edit schedules a fresh save.
		s.logger.Error("failed to save project",
			zap.String("project", projectID),
			zap.Int("files", len(files)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("project saved", zap.String("project", projectID), zap.Int("files", len(files)))
}

// Pending reports whether projectID has a save armed or in flight.
func (s *Scheduler) Pending(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[projectID]
	return ok && (j.timer != nil || j.running)
}

// Cancel drops an armed save. A save already in flight completes.
func (s *Scheduler) Cancel(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[projectID]
	if !ok {
		return
	}
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.gen++
	j.again = false
	if !j.running {
		delete(s.jobs, projectID)
	}
}

// Flush fires every armed save now and waits for all saves to finish or
// ctx to expire. Later Schedule calls are ignored.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var start []string
	for id, j := range s.jobs {
		if j.timer == nil {
			continue
		}
		j.timer.Stop()
		j.timer = nil
		j.gen++
		if s.startLocked(id, j) {
			start = append(start, id)
		}
	}
	s.mu.Unlock()

	for _, id := range start {
		go s.run(id)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
