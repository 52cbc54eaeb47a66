package supervisor

import (
	"context"
	"time"

	"github.com/opd-ai/hiddenwire/pkg/transport"
)

// nextBackoff doubles cur, capped at max, flooring at min when cur is
// not yet initialized (zero or negative).
func nextBackoff(cur, min, max time.Duration) time.Duration {
	if cur < min {
		return min
	}
	doubled := cur * 2
	if doubled > max {
		return max
	}
	return doubled
}

// RunWatchdog runs Boot once, then subscribes to transport state
// transitions and re-triggers a full boot with exponential backoff (2s
// → 30s cap, per Config) whenever the transport falls into Error. It
// blocks until Shutdown is called or ctx is canceled.
func (s *Supervisor) RunWatchdog(ctx context.Context) {
	s.doneWG.Add(1)
	defer s.doneWG.Done()

	if err := s.Boot(ctx); err != nil {
		s.log.Error("initial boot failed", "error", err)
	}

	minB, maxB := s.cfg.WatchdogMinBackoff, s.cfg.WatchdogMaxBackoff
	if minB <= 0 {
		minB = 2 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}

	states := s.transport.Subscribe()
	backoff := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case st := <-states:
			s.recordSnapshot(st)
			switch st.(type) {
			case transport.Error:
				backoff = nextBackoff(backoff, minB, maxB)
				s.log.Warn("transport entered error state; rebooting", "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				}
				if err := s.Boot(ctx); err != nil {
					s.log.Error("watchdog reboot failed", "error", err)
				}
			case transport.Ready:
				backoff = 0
			}
		}
	}
}

// RunInviteGC sweeps expired/used invites every Config.InviteGCInterval
// and drops the ephemeral invite hidden service once no invite remains
// live. It blocks until Shutdown is called or ctx is canceled.
func (s *Supervisor) RunInviteGC(ctx context.Context) {
	s.doneWG.Add(1)
	defer s.doneWG.Done()

	interval := s.cfg.InviteGCInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			live, err := s.invite.SweepAndCount()
			if err != nil {
				s.log.Error("invite sweep failed", "error", err)
				continue
			}
			if live == 0 {
				if err := s.transport.DropInviteHiddenService(); err != nil {
					s.log.Warn("failed to drop invite hidden service", "error", err)
				}
			}
		}
	}
}
