package indexmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Shard is the view of a shard the controller needs. *shard.IndexShard
// satisfies it; tests substitute fakes.
type Shard interface {
	// Key uniquely identifies the shard within the node
	Key() string

	// Active reports whether the shard counts against active pressure
	Active() bool

	// IdleSince reports whether the shard has seen no writes for the
	// window ending at nowNanos
	IdleSince(window time.Duration, nowNanos int64) bool

	// MarkInactive demotes an idle shard, writing out its buffer
	MarkInactive() (bool, error)

	// IndexBufferRAMBytes is the shard's current buffer footprint
	IndexBufferRAMBytes() int64

	// WriteIndexingBuffer writes the buffer out, reclaiming its memory
	WriteIndexingBuffer() error

	// ActivateThrottling / DeactivateThrottling gate the shard's writers
	ActivateThrottling()
	DeactivateThrottling()
	IsThrottled() bool
}

// Config bounds the controller's behavior.
type Config struct {
	// IndexBufferBytes is the total budget shared by all active shards.
	IndexBufferBytes int64

	// ShardInactiveTime is how long a shard may go without writes before
	// it is demoted to inactive and its buffer written out. Zero means
	// the default of 5 minutes.
	ShardInactiveTime time.Duration

	// CheckInterval is how often the control loop runs. Zero means the
	// default of 5 seconds.
	CheckInterval time.Duration

	// ThrottleFactor scales a shard's fair share of the budget into the
	// threshold past which its writers are throttled. Zero means the
	// default of 1.5.
	ThrottleFactor float64

	// DisableThrottling turns the throttle backstop off entirely.
	DisableThrottling bool
}

const (
	defaultThrottleFactor    = 1.5
	defaultShardInactiveTime = 5 * time.Minute
	defaultCheckInterval     = 5 * time.Second
)

// Status is a point-in-time snapshot of the controller for the REST layer.
type Status struct {
	BudgetBytes     int64            `json:"budget_bytes"`
	InUseBytes      int64            `json:"in_use_bytes"`
	ActiveShards    int              `json:"active_shards"`
	InactiveShards  int              `json:"inactive_shards"`
	ThrottledShards []string         `json:"throttled_shards,omitempty"`
	ShardBuffers    map[string]int64 `json:"shard_buffers"`
	BufferWrites    uint64           `json:"buffer_writes"`
	IdleDemotions   uint64           `json:"idle_demotions"`
	LastRun         time.Time        `json:"last_run"`
}

// Controller periodically redistributes the indexing-buffer budget across
// active shards: idle shards are demoted and written out, and when the
// total buffered bytes exceed the budget the largest buffers are written
// first until the node is back under it.
// Thread-safe: All methods are safe for concurrent access.
type Controller struct {
	cfg      Config
	provider func() []Shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowNanos      func() int64
	onBufferWrite func(key string, released int64)

	mu            sync.Mutex
	lastRun       time.Time
	lastInUse     int64
	lastActive    int
	lastInactive  int
	bufferWrites  uint64
	idleDemotions uint64
}

// NewController creates a controller over the shards returned by provider.
// Start must be called to run the loop; RunOnce drives a single tick
// synchronously.
func NewController(cfg Config, provider func() []Shard) *Controller {
	if cfg.ThrottleFactor <= 0 {
		cfg.ThrottleFactor = defaultThrottleFactor
	}
	if cfg.ShardInactiveTime <= 0 {
		cfg.ShardInactiveTime = defaultShardInactiveTime
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
		nowNanos: func() int64 { return time.Now().UnixNano() },
	}
}

// SetClock overrides the controller's time source. Intended for tests.
func (c *Controller) SetClock(nowNanos func() int64) {
	c.nowNanos = nowNanos
}

// SetOnBufferWrite sets a callback invoked after the controller writes a
// shard's buffer out under pressure, with the bytes released.
func (c *Controller) SetOnBufferWrite(callback func(key string, released int64)) {
	c.onBufferWrite = callback
}

// Start begins the control loop in the current goroutine, ticking every
// CheckInterval until the context is canceled. An initial tick runs
// immediately.
//
// Typical usage:
//
//	go controller.Start(ctx)
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	if ctx == nil {
		ctx = c.ctx
	}

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	log.Info().
		Int64("budget_bytes", c.cfg.IndexBufferBytes).
		Dur("interval", c.cfg.CheckInterval).
		Dur("inactive_time", c.cfg.ShardInactiveTime).
		Msg("indexing memory controller started")

	c.RunOnce()

	for {
		select {
		case <-ticker.C:
			c.RunOnce()
		case <-ctx.Done():
			log.Info().Msg("indexing memory controller stopping")
			return
		case <-c.ctx.Done():
			log.Info().Msg("indexing memory controller stopping")
			return
		}
	}
}

// Stop cancels the control loop and waits for it to exit.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

// RunOnce executes a single control tick:
//
//  1. Idle sweep: active shards with no writes for ShardInactiveTime are
//     demoted; demotion flushes them, so their buffers stop counting.
//  2. Pressure check: if the remaining active buffers sum past the budget,
//     the largest buffers are written out first until the projected total
//     is back at or under the budget.
//  3. Throttle backstop: a shard whose buffer still exceeds its scaled
//     fair share gets its writers throttled; shards back under their fair
//     share are unthrottled.
func (c *Controller) RunOnce() {
	now := c.nowNanos()
	shards := c.provider()

	// 1. Idle sweep.
	var demoted uint64
	for _, s := range shards {
		if !s.IdleSince(c.cfg.ShardInactiveTime, now) {
			continue
		}
		changed, err := s.MarkInactive()
		if err != nil {
			log.Error().Str("shard", s.Key()).Err(err).Msg("failed to demote idle shard")
			continue
		}
		if changed {
			demoted++
		}
	}

	// 2. Pressure accounting over the shards still active.
	type usage struct {
		shard Shard
		bytes int64
	}
	var (
		active []usage
		total  int64
	)
	inactive := 0
	for _, s := range shards {
		if !s.Active() {
			inactive++
			continue
		}
		b := s.IndexBufferRAMBytes()
		active = append(active, usage{shard: s, bytes: b})
		total += b
	}

	var writes uint64
	if total > c.cfg.IndexBufferBytes {
		log.Debug().
			Int64("in_use", total).
			Int64("budget", c.cfg.IndexBufferBytes).
			Int("active_shards", len(active)).
			Msg("indexing buffers over budget, writing largest first")

		// Largest buffers first: highest payoff per write.
		sort.Slice(active, func(i, j int) bool { return active[i].bytes > active[j].bytes })

		for _, u := range active {
			if total <= c.cfg.IndexBufferBytes {
				break
			}
			if u.bytes == 0 {
				break
			}
			if err := u.shard.WriteIndexingBuffer(); err != nil {
				log.Error().Str("shard", u.shard.Key()).Err(err).Msg("failed to write indexing buffer")
				continue
			}
			writes++
			total -= u.bytes
			if c.onBufferWrite != nil {
				c.onBufferWrite(u.shard.Key(), u.bytes)
			}
		}
	}

	// 3. Throttle backstop.
	if !c.cfg.DisableThrottling && len(active) > 0 {
		fairShare := c.cfg.IndexBufferBytes / int64(len(active))
		threshold := int64(float64(fairShare) * c.cfg.ThrottleFactor)
		for _, u := range active {
			current := u.shard.IndexBufferRAMBytes()
			switch {
			case current > threshold:
				u.shard.ActivateThrottling()
				log.Warn().
					Str("shard", u.shard.Key()).
					Int64("buffer_bytes", current).
					Int64("threshold", threshold).
					Msg("shard outrunning buffer reclamation, throttling")
			case u.shard.IsThrottled() && current <= fairShare:
				u.shard.DeactivateThrottling()
			}
		}
	}

	c.mu.Lock()
	c.lastRun = time.Unix(0, now)
	c.lastInUse = total
	c.lastActive = len(active)
	c.lastInactive = inactive
	c.bufferWrites += writes
	c.idleDemotions += demoted
	c.mu.Unlock()
}

// Status returns a snapshot of the controller's last tick plus current
// per-shard buffer sizes.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		BudgetBytes:    c.cfg.IndexBufferBytes,
		InUseBytes:     c.lastInUse,
		ActiveShards:   c.lastActive,
		InactiveShards: c.lastInactive,
		BufferWrites:   c.bufferWrites,
		IdleDemotions:  c.idleDemotions,
		LastRun:        c.lastRun,
	}
	c.mu.Unlock()

	st.ShardBuffers = make(map[string]int64)
	for _, s := range c.provider() {
		st.ShardBuffers[s.Key()] = s.IndexBufferRAMBytes()
		if s.IsThrottled() {
			st.ThrottledShards = append(st.ThrottledShards, s.Key())
		}
	}
	sort.Strings(st.ThrottledShards)
	return st
}
