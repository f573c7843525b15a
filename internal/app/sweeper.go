package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 1m"

// SessionSweeper periodically purges expired PIN sessions so abandoned
// keypads do not hold memory until the account's next event.
type SessionSweeper struct {
	cron     *cron.Cron
	sessions *SessionManager
	schedule string
}

func NewSessionSweeper(sessions *SessionManager, schedule string) *SessionSweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	cronLogger := cron.PrintfLogger(log.Default())
	return &SessionSweeper{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		sessions: sessions,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *SessionSweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	log.Printf("level=info component=sweeper msg=\"scheduled expired session sweep\" schedule=%q", s.schedule)
	s.cron.Start()
	return nil
}

// Sweep runs one purge pass.
func (s *SessionSweeper) Sweep() {
	if purged := s.sessions.PurgeExpired(); purged > 0 {
		log.Printf("level=info component=sweeper msg=\"expired sessions purged\" count=%d", purged)
	}
}

// Stop stops the scheduler; the returned context is done once a running sweep finishes.
func (s *SessionSweeper) Stop() context.Context {
	return s.cron.Stop()
}
