package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// KeyReloader re-reads the flow private key.
type KeyReloader interface {
	Reload() (changed bool, err error)
}

// Scheduler manages scheduled tasks.
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	keys   KeyReloader
	logger *zap.Logger
}

// NewScheduler creates a scheduler reloading keys on spec, a standard five
// field cron expression or a descriptor such as "@every 10m".
func NewScheduler(spec string, keys KeyReloader, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		cron:   cron.New(),
		spec:   spec,
		keys:   keys,
		logger: logger,
	}
}

// Start schedules the key reload job and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.reloadKey); err != nil {
		return fmt.Errorf("schedule key reload %q: %w", s.spec, err)
	}

	s.logger.Info("starting scheduler", zap.String("key_reload", s.spec))
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running reload to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) reloadKey() {
	changed, err := s.keys.Reload()
	if err != nil {
		s.logger.Error("failed to reload flow private key, keeping current key", zap.Error(err))
		return
	}
	if changed {
		s.logger.Info("flow private key rotated")
		return
	}
	s.logger.Debug("flow private key unchanged")
}
