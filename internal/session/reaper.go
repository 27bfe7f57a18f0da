package session

import (
	"barmatch/internal/presence"
	"barmatch/internal/realtime"
	"barmatch/internal/storage"
	"context"
	"errors"
	"go.uber.org/zap"
	"sync"
	"time"
)

// Config of session lifetimes
type Config struct {
	BindingTTL   time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	OfflineGrace time.Duration `env:"OFFLINE_GRACE" envDefault:"10m"`
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"1m"`
}

// Deleter removes profiles that stayed offline
type Deleter interface {
	DeleteProfilesOfflineBefore(ctx context.Context, before time.Time) (int64, error)
}

// Roster lists the profiles that may have been abandoned and marks them offline
type Roster interface {
	Venues(ctx context.Context) ([]storage.Venue, error)
	ProfilesByVenue(ctx context.Context, venueID string) ([]storage.Profile, error)
	SetProfileOffline(ctx context.Context, id string, since *time.Time) error
}

// PresenceReader is implemented by *realtime.Adapter
type PresenceReader interface {
	PresenceState(ctx context.Context, channel string) (realtime.State, error)
}

// ReaperOption alters Reaper defaults
type ReaperOption interface {
	apply(*Reaper)
}

type reaperOptionFunc func(r *Reaper)

func (f reaperOptionFunc) apply(r *Reaper) { f(r) }

// DetectAbandoned makes every pass mark offline the online profiles that had no presence member on
// two passes in a row, which happens when the server holding their session died. The mark starts
// the grace period like a regular disconnect.
func DetectAbandoned(roster Roster, presence PresenceReader) ReaperOption {
	return reaperOptionFunc(func(r *Reaper) {
		r.roster = roster
		r.presence = presence
	})
}

// Reaper deletes profiles whose offline mark is older than the grace period. Until then a
// disconnected patron can resume without a duplicate profile.
type Reaper struct {
	logger   *zap.SugaredLogger
	store    Deleter
	grace    time.Duration
	interval time.Duration
	now      func() time.Time

	roster   Roster
	presence PresenceReader

	mu       sync.Mutex
	suspects map[string]struct{}
}

// NewReaper returns Reaper of cfg
func NewReaper(logger *zap.SugaredLogger, store Deleter, cfg Config, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		logger:   logger,
		store:    store,
		grace:    cfg.OfflineGrace,
		interval: cfg.ReapInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// Reap runs one pass and returns the number of deleted profiles
func (r *Reaper) Reap(ctx context.Context) (int64, error) {
	if r.roster != nil {
		if err := r.markAbandoned(ctx); err != nil {
			r.logger.Errorf("Detecting abandoned profiles: %v", err)
		}
	}

	n, err := r.store.DeleteProfilesOfflineBefore(ctx, r.now().Add(-r.grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Infof("Reaped %d profiles offline for more than %s", n, r.grace)
	}
	return n, nil
}

// Run reaps every interval until ctx is done
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Infof("Reaping offline profiles every %s", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
				r.logger.Errorf("Reaping offline profiles: %v", err)
			}
		}
	}
}

// markAbandoned marks offline the profiles without a presence member that were already suspects
// on the previous pass
func (r *Reaper) markAbandoned(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	venues, err := r.roster.Venues(ctx)
	if err != nil {
		return err
	}

	suspects := make(map[string]struct{})
	for _, v := range venues {
		profiles, err := r.roster.ProfilesByVenue(ctx, v.ID)
		if err != nil {
			return err
		}
		state, err := r.presence.PresenceState(ctx, presence.Channel(v.ID))
		if err != nil {
			return err
		}
		present := presence.Members(state)

		for _, p := range profiles {
			if p.OfflineSince != nil {
				continue
			}
			if _, ok := present[p.ID]; ok {
				continue
			}
			if _, ok := r.suspects[p.ID]; !ok {
				suspects[p.ID] = struct{}{}
				continue
			}

			now := r.now()
			if err := r.roster.SetProfileOffline(ctx, p.ID, &now); err != nil {
				if errors.Is(err, storage.ErrProfileNotExist) {
					continue
				}
				return err
			}
			r.logger.Infof("Marked abandoned profile (id: %s) of venue (id: %s) offline", p.ID, v.ID)
		}
	}
	r.suspects = suspects

	return nil
}
