// Package sweeper periodically evicts idle project file sets from memory.
package sweeper

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/metrics"
)

const DefaultSchedule = "@every 1m"

type Evictor interface {
	EvictIdle(ttl time.Duration, busy func(projectID string) bool) []string
	Len() int
}

type Config struct {
	// Sets idle for at least TTL are evicted. Zero disables the sweeper.
	TTL      time.Duration
	Schedule string
}

type Service struct {
	sessions Evictor
	busy     func(projectID string) bool
	config   Config
	logger   *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New returns a sweeper over sessions. busy reports projects with unsaved
// work; they are skipped until their save completes.
func New(sessions Evictor, busy func(projectID string) bool, config Config, logger *zap.Logger) *Service {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	return &Service{
		sessions: sessions,
		busy:     busy,
		config:   config,
		logger:   logger.Named("sweeper"),
	}
}

// Start schedules the sweep. It returns an error only for a bad schedule.
func (s *Service) Start() error {
	if s.config.TTL <= 0 {
		s.logger.Info("idle eviction disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.config.Schedule, func() { s.Sweep() }); err != nil {
		return err
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("sweeper started",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("ttl", s.config.TTL),
	)
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one eviction pass and returns the evicted project ids.
func (s *Service) Sweep() []string {
	evicted := s.sessions.EvictIdle(s.config.TTL, s.busy)
	metrics.Evictions.Add(float64(len(evicted)))
	metrics.Sessions.Set(float64(s.sessions.Len()))

	if len(evicted) > 0 {
		s.logger.Info("evicted idle sessions", zap.Strings("projects", evicted))
	}
	return evicted
}
