package herohealth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const remainingDaysConcurrency = 4

// Update is handed to every sink after a poll.
type Update struct {
	AccountID string
	Snapshot  Snapshot
	Entities  []Entity
}

// Sink consumes poll results. A failing sink is logged and does not fail the
// poll.
type Sink interface {
	Consume(ctx context.Context, update Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, update Update) error

func (f SinkFunc) Consume(ctx context.Context, update Update) error {
	return f(ctx, update)
}

// tokenReloader is implemented by *oauth.Manager. Reload picks up state
// written by a new login while the service is running; Subject carries the
// account id saved with it.
type tokenReloader interface {
	AccessToken(ctx context.Context) (string, error)
	Reload() (bool, error)
	Subject() string
}

// Coordinator polls the account and keeps the latest snapshot.
type Coordinator struct {
	client   *Client
	tokens   tokenReloader
	sinks    []Sink
	location *time.Location
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	polls singleflight.Group

	mu       sync.RWMutex
	// base bounds every poll. Run replaces it with its own context.
	base     context.Context
	snapshot Snapshot
	entities []Entity
	// inReauth stays set from the first auth failure until the next
	// successful poll, so the user is prompted once per episode.
	inReauth bool
}

func NewCoordinator(cfg Config, client *Client, tokens tokenReloader, sinks []Sink, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := &Coordinator{
		client:   client,
		tokens:   tokens,
		sinks:    sinks,
		location: loc,
		interval: cfg.ScanInterval,
		logger:   logger.Named("coordinator"),
		now:      time.Now,
		base:     context.Background(),
		snapshot: Snapshot{
			AccountID: client.AccountID(),
			Sources:         make(map[string]SourceStatus, len(primarySources)),
			Remaining:       make(map[int]RemainingDays),
			RemainingStatus: make(map[int]SourceStatus),
		},
	}
	c.entities = BuildEntities(c.snapshot, c.now(), loc)
	return c
}

// Run polls immediately and then once per scan interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.interval
	if interval <= 0 {
		interval = time.Minute
	}
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Debug("initial poll failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug("poll failed", zap.Error(err))
			}
		}
	}
}

// Refresh runs a poll now. Concurrent callers share one poll, which outlives
// a caller that gives up but not the Run context. The returned error reports
// why the account could not be read at all; partial failures are recorded in
// the snapshot instead.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	c.mu.RLock()
	base := c.base
	c.mu.RUnlock()

	ch := c.polls.DoChan("poll", func() (any, error) {
		return c.poll(base)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		return snap, res.Err
	}
}

// Snapshot returns the result of the last poll.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.clone()
}

// Entities returns entity states from the last poll.
func (c *Coordinator) Entities() []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entity(nil), c.entities...)
}

func (c *Coordinator) Location() *time.Location {
	return c.location
}

type fetchResult struct {
	doses     []Dose
	events    []Event
	schedules []ScheduledPill
	pillStats any
	stats     Stats
	offline   OfflineStatus
	device    DeviceConfig
	slots     []Slot
	errs      map[string]error
}

func (c *Coordinator) poll(ctx context.Context) (Snapshot, error) {
	if c.tokens != nil {
		reloaded, err := c.tokens.Reload()
		if err != nil {
			c.logger.Warn("failed to reload oauth state", zap.Error(err))
		} else if reloaded {
			c.logger.Info("picked up new oauth state")
		}
		if sub := c.tokens.Subject(); sub != "" && sub != c.client.AccountID() {
			c.client.SetAccountID(sub)
		}
		if _, err := c.tokens.AccessToken(ctx); err != nil {
			if ctx.Err() != nil {
				return c.Snapshot(), ctx.Err()
			}
			if IsAuthError(err) {
				return c.authFailed(ctx, err)
			}
			return c.unreachable(ctx, err)
		}
	}

	res := c.fetch(ctx)
	if err := ctx.Err(); err != nil {
		// Shutting down: a half-finished poll is not committed.
		return c.Snapshot(), err
	}
	if len(res.errs) == len(primarySources) {
		allAuth := true
		var first error
		for _, name := range primarySources {
			err := res.errs[name]
			if first == nil {
				first = err
			}
			if !IsAuthError(err) {
				allAuth = false
			}
		}
		if allAuth {
			return c.authFailed(ctx, first)
		}
		return c.unreachable(ctx, first)
	}

	c.mu.RLock()
	snap := c.snapshot.clone()
	c.mu.RUnlock()

	now := c.now()
	snap.Polls++
	snap.PolledAt = now
	snap.LastSuccess = now
	snap.LastError = ""
	snap.Reachable = true
	snap.Reauth = false
	snap.AccountID = c.client.AccountID()

	for _, name := range primarySources {
		status := snap.Sources[name]
		err := res.errs[name]
		if err != nil {
			status.OK = false
			status.Error = err.Error()
			if IsDecodeError(err) {
				status.HasData = false
			}
			c.logger.Warn("source fetch failed", zap.String("source", name), zap.Error(err))
			snap.Sources[name] = status
			continue
		}
		status.OK = true
		status.HasData = true
		status.Error = ""
		status.LastSuccess = now
		snap.Sources[name] = status

		switch name {
		case SourceDoses:
			snap.Doses = res.doses
		case SourceEvents:
			snap.Events = res.events
		case SourceSchedules:
			snap.Schedules = res.schedules
		case SourcePillStats:
			snap.PillStats = res.pillStats
		case SourceStats:
			snap.Stats = res.stats
		case SourceOffline:
			snap.Offline = res.offline
		case SourceDevice:
			snap.Device = res.device
		case SourceSlots:
			snap.Slots = res.slots
		}
	}

	if snap.has(SourceSlots) {
		c.fetchRemaining(ctx, &snap)
	}
	if err := ctx.Err(); err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	if c.inReauth {
		c.logger.Info("herohealth credentials accepted again")
	}
	c.inReauth = false
	c.mu.Unlock()

	return c.commit(ctx, snap), nil
}

func (c *Coordinator) fetch(ctx context.Context) fetchResult {
	var (
		res fetchResult
		mu  sync.Mutex
	)
	res.errs = make(map[string]error)
	record := func(name string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		res.errs[name] = err
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		v, err := c.client.Doses(ctx)
		res.doses = v
		record(SourceDoses, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.Events(ctx)
		res.events = v
		record(SourceEvents, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.ScheduledPills(ctx)
		res.schedules = v
		record(SourceSchedules, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.PillStats(ctx)
		res.pillStats = v
		record(SourcePillStats, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.Stats(ctx)
		res.stats = v
		record(SourceStats, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.CheckOffline(ctx)
		res.offline = v
		record(SourceOffline, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.DeviceConfig(ctx)
		res.device = v
		record(SourceDevice, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.client.TakenSlots(ctx)
		res.slots = v
		record(SourceSlots, err)
		return nil
	})
	_ = g.Wait()
	return res
}

// fetchRemaining refreshes remaining days for every known slot. A slot whose
// request fails keeps its previous value unless the response was unreadable.
func (c *Coordinator) fetchRemaining(ctx context.Context, snap *Snapshot) {
	var mu sync.Mutex
	present := make(map[int]bool, len(snap.Slots))
	now := snap.PolledAt

	g := new(errgroup.Group)
	g.SetLimit(remainingDaysConcurrency)
	for _, slot := range snap.Slots {
		present[slot.Index] = true
		g.Go(func() error {
			days, err := c.client.RemainingDays(ctx, slot.Index)
			mu.Lock()
			defer mu.Unlock()
			status := snap.RemainingStatus[slot.Index]
			switch {
			case err == nil:
				snap.Remaining[slot.Index] = days
				status = SourceStatus{OK: true, HasData: true, LastSuccess: now}
			case IsDecodeError(err):
				delete(snap.Remaining, slot.Index)
				status.OK, status.HasData, status.Error = false, false, err.Error()
				c.logger.Warn("remaining days unreadable", zap.Int("slot", slot.Index), zap.Error(err))
			default:
				status.OK, status.Error = false, err.Error()
				c.logger.Warn("remaining days fetch failed", zap.Int("slot", slot.Index), zap.Error(err))
			}
			snap.RemainingStatus[slot.Index] = status
			return nil
		})
	}
	_ = g.Wait()

	for idx := range snap.Remaining {
		if !present[idx] {
			delete(snap.Remaining, idx)
		}
	}
	for idx := range snap.RemainingStatus {
		if !present[idx] {
			delete(snap.RemainingStatus, idx)
		}
	}
}

func (c *Coordinator) authFailed(ctx context.Context, cause error) (Snapshot, error) {
	c.mu.Lock()
	first := !c.inReauth
	c.inReauth = true
	snap := c.snapshot.clone()
	c.mu.Unlock()

	if first {
		snap.Prompts++
		c.logger.Error("herohealth needs re-authentication; run `gohome herohealth login` to sign in again",
			zap.Error(cause))
	} else {
		c.logger.Debug("herohealth still waiting for re-authentication", zap.Error(cause))
	}

	snap.Polls++
	snap.PolledAt = c.now()
	snap.LastError = cause.Error()
	snap.Reauth = true
	c.commit(ctx, snap)
	return snap, fmt.Errorf("herohealth re-authentication required: %w", cause)
}

func (c *Coordinator) unreachable(ctx context.Context, cause error) (Snapshot, error) {
	if cause == nil {
		cause = errors.New("no data")
	}
	c.mu.RLock()
	snap := c.snapshot.clone()
	snap.Reauth = c.inReauth
	c.mu.RUnlock()

	c.logger.Warn("herohealth cloud unreachable", zap.Error(cause))
	snap.Polls++
	snap.PolledAt = c.now()
	snap.LastError = cause.Error()
	snap.Reachable = false
	for name, status := range snap.Sources {
		status.OK = false
		snap.Sources[name] = status
	}
	for idx, status := range snap.RemainingStatus {
		status.OK = false
		snap.RemainingStatus[idx] = status
	}
	c.commit(ctx, snap)
	return snap, fmt.Errorf("herohealth unreachable: %w", cause)
}

// commit stores the snapshot and fans it out to sinks.
func (c *Coordinator) commit(ctx context.Context, snap Snapshot) Snapshot {
	entities := BuildEntities(snap, c.now(), c.location)

	c.mu.Lock()
	c.snapshot = snap
	c.entities = entities
	c.mu.Unlock()

	update := Update{AccountID: snap.AccountID, Snapshot: snap.clone(), Entities: entities}
	for _, sink := range c.sinks {
		if err := sink.Consume(ctx, update); err != nil {
			c.logger.Warn("sink failed", zap.Error(err))
		}
	}
	return snap
}
