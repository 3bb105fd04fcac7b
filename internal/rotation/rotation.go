// Package rotation refreshes active sessions whose credentials have expired,
// re-running each variant's activation protocol on a fixed interval.
package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexmorozenko/leapp/internal/service"
	"github.com/alexmorozenko/leapp/internal/session"
)

const DefaultInterval = 10 * time.Second

// ServiceResolver is the slice of the service factory the scheduler needs.
type ServiceResolver interface {
	GetSessionService(typ session.Type) (service.SessionService, error)
}

// ActiveLister reports the sessions currently active, implemented by the
// service notifier.
type ActiveLister interface {
	ListActive() []session.Session
}

type Scheduler struct {
	resolver ServiceResolver
	lister   ActiveLister
	log      *logrus.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

func New(resolver ServiceResolver, lister ActiveLister, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		resolver: resolver,
		lister:   lister,
		log:      log,
		interval: DefaultInterval,
		now:      time.Now,
		inflight: map[string]bool{},
	}
}

func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	s.interval = d
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until the context is cancelled. Each tick scans the active
// sessions and refreshes the expired ones.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick refreshes every active expired session once. A failing session is
// logged and left inactive by the activation rollback, it never aborts the
// rest of the pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	for _, sess := range s.lister.ListActive() {
		if !sess.Expired(now) {
			continue
		}
		if !s.claim(sess.Id) {
			continue
		}
		s.refresh(ctx, sess)
		s.release(sess.Id)
	}
}

// claim marks a session as being refreshed so overlapping ticks skip it.
func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Scheduler) refresh(ctx context.Context, sess session.Session) {
	svc, err := s.resolver.GetSessionService(sess.Type)
	if err != nil {
		s.log.WithFields(logrus.Fields{"session": sess.Id, "type": sess.Type}).
			Warnf("skipping rotation: %v", err)
		return
	}
	if err := svc.Start(ctx, sess.Id); err != nil {
		s.log.WithFields(logrus.Fields{"session": sess.Id, "name": sess.Name}).
			Warnf("rotation failed, session deactivated: %v", err)
	}
}
