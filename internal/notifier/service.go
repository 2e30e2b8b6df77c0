package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "carebot/pkg/logx"
)

// ErrNoSinks means the service was built with no delivery channel at all.
var ErrNoSinks = errors.New("no notification sinks configured")

type Config struct {
	RatePerSec  int           // outbound sends per second across all sinks
	SendTimeout time.Duration // per-sink call guard
}

// Service fans a reminder out to every configured sink.
//
// Delivery counts as success when at least one sink accepts the message;
// per-sink failures are logged but do not fail the whole send as long as
// another channel got through. Sends are rate limited so a large patient
// list cannot trip Telegram's flood control.
type Service struct {
	log   logx.Logger
	sinks []Sink

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger, sinks ...Sink) *Service {
	s := &Service{log: log, sinks: sinks}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers r via every sink. It returns nil when at least one sink
// succeeded, or a joined error when all of them failed.
func (s *Service) Send(ctx context.Context, r Reminder) error {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if len(s.sinks) == 0 {
		return ErrNoSinks
	}

	var delivered int
	var errs []error
	for _, sink := range s.sinks {
		if err := lim.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := sink.Send(sctx, r)
		cancel()
		if err != nil {
			s.log.Warn("sink send failed",
				logx.String("sink", sink.Name()),
				logx.String("kind", string(r.Kind)),
				logx.String("patient", r.PatientID),
				logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		delivered++
		s.log.Debug("reminder sent",
			logx.String("sink", sink.Name()),
			logx.String("kind", string(r.Kind)),
			logx.String("patient", r.PatientID))
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
