// Package sweeper periodically reconciles the ticket registry against the
// platform: entries whose channel was deleted behind the bot's back are
// dropped so their owners can open new tickets without waiting for the
// next claim-time probe.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Registry is the slice of the ticket registry the sweeper needs.
type Registry interface {
	Entries() map[string]string // ownerID → channelID
	Remove(ownerID string) bool
}

// Prober reports whether a channel still exists on the platform.
type Prober func(channelID string) bool

// Sweeper runs the reconcile on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	reg    Registry
	probe  Prober
	logger *slog.Logger
}

// New creates a sweeper on the given cron schedule (standard 5-field specs
// or descriptors like "@every 10m").
func New(reg Registry, probe Prober, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:   cron.New(),
		reg:    reg,
		probe:  probe,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule. Blocks until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sweeper started")

	<-ctx.Done()
	s.cron.Stop()
	s.logger.Info("sweeper stopped")
	return ctx.Err()
}

// Sweep runs one reconcile pass and returns how many entries were dropped.
func (s *Sweeper) Sweep() int {
	dropped := 0
	for owner, channelID := range s.reg.Entries() {
		if s.probe(channelID) {
			continue
		}
		if s.reg.Remove(owner) {
			dropped++
			s.logger.Info("dropped registry entry for deleted channel", "owner", owner, "channel", channelID)
		}
	}
	if dropped > 0 {
		s.logger.Info("registry sweep complete", "dropped", dropped)
	}
	return dropped
}
