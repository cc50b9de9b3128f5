package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// Refresher is the part of weather.Service the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context) (weather.RefreshRun, error)
}

// Scheduler periodically refreshes the forecast snapshot.
type Scheduler struct {
	scheduler *gocron.Scheduler
	service   Refresher
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Scheduler.
func New(interval time.Duration, service Refresher) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		service:   service,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the refresh job and starts the underlying scheduler. The
// first run happens immediately so a fresh process loads data at once.
func (s *Scheduler) Start() error {
	minutes := int(s.interval.Minutes())
	if minutes <= 0 {
		minutes = 60
	}

	_, err := s.scheduler.Every(minutes).Minutes().SingletonMode().Do(func() {
		log.Println("scheduler: running refresh job")

		// Refresh applies its own timeout; Stop cancels it early.
		_, err := s.service.Refresh(s.ctx)
		switch {
		case errors.Is(err, weather.ErrRefreshInFlight):
			log.Println("scheduler: refresh already running; skipped")
		case err != nil:
			log.Printf("scheduler: refresh failed: %v", err)
		default:
			log.Println("scheduler: completed refresh job")
		}
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler, cancels a running refresh and any future jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
