package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/pkg/service"
)

// DefaultSchedule checks every enabled service hourly; the per-service
// interval decides whether a fetch actually happens.
const DefaultSchedule = "0 * * * *"

// SyncFunc receives the result of each scheduled sync.
type SyncFunc func(key string, res Result)

// Scheduler runs background syncs on a cron schedule.
type Scheduler struct {
	engine   *SyncEngine
	services service.Registry
	onSync   SyncFunc

	cron   *cron.Cron
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler running on a standard five-field cron expression.
func NewScheduler(engine *SyncEngine, services service.Registry, schedule string, onSync SyncFunc) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	s := &Scheduler{
		engine:   engine,
		services: services,
		onSync:   onSync,
		cron:     c,
	}
	if _, err := c.AddFunc(schedule, func() { s.RunOnce(s.context()) }); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	log.Info().Int("entries", len(s.cron.Entries())).Msg("Schema sync scheduler started")
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// RunOnce syncs every enabled service without force. Failures are logged
// per service and never stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	descs, err := s.services.ListServices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Scheduled sync could not list services")
		return
	}

	var wg sync.WaitGroup
	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			res, err := s.engine.Sync(ctx, key, false)
			if err != nil {
				log.Warn().Err(err).Str("service", key).Msg("Scheduled sync failed")
				return
			}
			if res.Warning != "" {
				log.Warn().Str("service", key).Msg(res.Warning)
			}
			if s.onSync != nil {
				s.onSync(key, res)
			}
		}(d.Key)
	}
	wg.Wait()
}
