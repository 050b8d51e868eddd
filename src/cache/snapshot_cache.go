package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marathon-engine/src/interfaces"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"
	"marathon-engine/src/utils"
)

// -----------------------------------------------------------------------------
// Telemetry message types
// -----------------------------------------------------------------------------

const (
	msgTypeAccount   = "account"
	msgTypeUpdate    = "update"
	msgTypePositions = "positions"
	msgTypeOrders    = "orders"
)

// -----------------------------------------------------------------------------

// UpdateEvent is published to listeners after every successfully merged segment.
type UpdateEvent struct {
	Login    string
	Type     string
	Snapshot models.MAccountSnapshot // detached copy
}

// Health is the cache's operational surface for the health endpoint.
type Health struct {
	Connected         bool      `json:"connected"`
	ProcessedMessages int64     `json:"processed_messages"`
	SnapshotCount     int       `json:"snapshot_count"`
	LastMessageAt     time.Time `json:"last_message_at"`
}

// -----------------------------------------------------------------------------
// SnapshotCache
// -----------------------------------------------------------------------------

// SnapshotCache keeps the freshest known telemetry per account login,
// fed by the broker and trimmed by a TTL eviction loop.
type SnapshotCache struct {
	Config *models.MConfig
	Logger *logger.Logger

	feed interfaces.IBrokerFeed

	mu        sync.RWMutex
	snapshots map[string]*models.MAccountSnapshot
	curves    map[string]*utils.EquityRing

	listenersMu sync.Mutex
	listeners   map[int64]func(UpdateEvent)
	nextID      int64

	consuming   atomic.Bool
	processed   atomic.Int64
	lastMessage atomic.Int64 // unix millis, 0 = never
}

// -----------------------------------------------------------------------------

func NewSnapshotCache(cfg *models.MConfig, log *logger.Logger, feed interfaces.IBrokerFeed) *SnapshotCache {
	return &SnapshotCache{
		Config:    cfg,
		Logger:    log,
		feed:      feed,
		snapshots: make(map[string]*models.MAccountSnapshot),
		curves:    make(map[string]*utils.EquityRing),
		listeners: make(map[int64]func(UpdateEvent)),
	}
}

// -----------------------------------------------------------------------------
// Broker lifecycle
// -----------------------------------------------------------------------------

// Connect establishes the broker connection (retries forever inside the feed).
func (c *SnapshotCache) Connect(ctx context.Context) error {
	return c.feed.Connect(ctx)
}

// -----------------------------------------------------------------------------

// StartConsuming begins ingesting telemetry. Demand-driven: called by the hub
// when the first subscriber of any kind appears. Idempotent.
func (c *SnapshotCache) StartConsuming() error {
	if !c.consuming.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.feed.StartConsuming(c.HandleMessage); err != nil {
		c.consuming.Store(false)
		return err
	}
	c.Logger.Info("Telemetry consumption started")
	return nil
}

// -----------------------------------------------------------------------------

// StopConsuming releases the broker consumer once nobody is interested anymore.
func (c *SnapshotCache) StopConsuming() {
	if !c.consuming.CompareAndSwap(true, false) {
		return
	}
	c.feed.StopConsuming()
	c.Logger.Info("Telemetry consumption stopped")
}

// -----------------------------------------------------------------------------

func (c *SnapshotCache) Consuming() bool {
	return c.consuming.Load()
}

// -----------------------------------------------------------------------------
// Ingestion
// -----------------------------------------------------------------------------

// HandleMessage processes one broker delivery. A delivery may contain several
// newline-joined JSON documents; each segment is parsed and merged
// independently so one bad segment never aborts its siblings.
func (c *SnapshotCache) HandleMessage(raw []byte) {
	c.processed.Add(1)
	c.lastMessage.Store(time.Now().UnixMilli())

	for _, segment := range strings.Split(string(raw), "\n") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(segment), &payload); err != nil {
			c.Logger.Warning("Dropping unparseable telemetry segment: %v", err)
			continue
		}

		login, _ := payload["login"].(string)
		if login == "" {
			c.Logger.Warning("Dropping telemetry segment without login")
			continue
		}

		msgType, _ := payload["type"].(string)
		if msgType == msgTypeAccount || msgType == msgTypeUpdate {
			_, hasBalance := numField(payload, "balance")
			_, hasEquity := numField(payload, "equity")
			_, hasProfit := numField(payload, "profit")
			if !hasBalance && !hasEquity && !hasProfit {
				c.Logger.Warning("Dropping %s segment for %s without numeric vitals", msgType, login)
				continue
			}
		}

		event := c.merge(login, msgType, payload)
		c.notify(event)
	}
}

// -----------------------------------------------------------------------------

// merge applies one validated segment to the per-login snapshot.
// Field-level merge: a partial update never nulls previously known fields.
func (c *SnapshotCache) merge(login, msgType string, payload map[string]interface{}) UpdateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.snapshots[login]
	if !ok {
		snap = &models.MAccountSnapshot{Login: login, Raw: make(map[string]interface{})}
		c.snapshots[login] = snap
	}

	switch msgType {
	case msgTypeAccount, msgTypeUpdate:
		if v, ok := numField(payload, "balance"); ok {
			snap.Balance = v
		}
		if v, ok := numField(payload, "equity"); ok {
			snap.Equity = v
		}
		if v, ok := payload["currency"].(string); ok {
			snap.Currency = v
		}
		if v, ok := numField(payload, "leverage"); ok {
			snap.Leverage = v
		}
		if v, ok := numField(payload, "margin"); ok {
			snap.Margin = v
		}
		if v, ok := numField(payload, "freeMargin"); ok {
			snap.FreeMargin = v
		}
		if v, ok := numField(payload, "profit"); ok {
			snap.Profit = v
		}
		if arr, ok := arrayField(payload, "positions"); ok {
			snap.Positions = arr
		}
		for k, v := range payload {
			snap.Raw[k] = v
		}
		c.appendCurveLocked(snap)

	case msgTypePositions:
		if arr, ok := arrayField(payload, "positions"); ok {
			snap.Positions = arr
		}

	case msgTypeOrders:
		if arr, ok := arrayField(payload, "orders"); ok {
			snap.Orders = arr
		}

	default:
		// Unknown segment type: keep it for auditing, touch nothing else.
		for k, v := range payload {
			snap.Raw[k] = v
		}
	}

	snap.UpdatedAt = time.Now()

	return UpdateEvent{Login: login, Type: msgType, Snapshot: snap.Copy()}
}

// -----------------------------------------------------------------------------

// appendCurveLocked records the merged equity into the per-login live curve.
func (c *SnapshotCache) appendCurveLocked(snap *models.MAccountSnapshot) {
	ring, ok := c.curves[snap.Login]
	if !ok {
		ring = utils.NewEquityRing(snap.Login, c.Config.Cache.EquityCurvePoints)
		c.curves[snap.Login] = ring
	}
	ring.Append(models.MEquitySample{
		AccountLogin: snap.Login,
		Equity:       snap.Equity,
		Balance:      snap.Balance,
		RecordedAt:   time.Now(),
	})
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetSnapshot returns a detached copy of one account's snapshot.
func (c *SnapshotCache) GetSnapshot(login string) (models.MAccountSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[login]
	if !ok {
		return models.MAccountSnapshot{}, false
	}
	return snap.Copy(), true
}

// -----------------------------------------------------------------------------

// GetAllSnapshots returns a shallow copy of the full snapshot map.
func (c *SnapshotCache) GetAllSnapshots() map[string]models.MAccountSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]models.MAccountSnapshot, len(c.snapshots))
	for login, snap := range c.snapshots {
		out[login] = snap.Copy()
	}
	return out
}

// -----------------------------------------------------------------------------

// EquityCurve returns the recent live equity samples for an account.
func (c *SnapshotCache) EquityCurve(login string) []models.MEquitySample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring, ok := c.curves[login]
	if !ok {
		return nil
	}
	return ring.GetAll()
}

// -----------------------------------------------------------------------------
// Eviction
// -----------------------------------------------------------------------------

// StartEviction runs the stale-snapshot sweep until ctx is cancelled.
func (c *SnapshotCache) StartEviction(ctx context.Context) {
	interval := time.Duration(c.Config.Cache.EvictionIntervalSeconds) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.EvictStale(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// -----------------------------------------------------------------------------

// EvictStale removes snapshots whose last update is older than the TTL.
// Eviction is the only deletion path; a later message simply re-creates the entry.
func (c *SnapshotCache) EvictStale(now time.Time) int {
	ttl := time.Duration(c.Config.Cache.SnapshotTTLSeconds) * time.Second

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for login, snap := range c.snapshots {
		if now.Sub(snap.UpdatedAt) > ttl {
			delete(c.snapshots, login)
			delete(c.curves, login)
			evicted++
		}
	}
	if evicted > 0 {
		c.Logger.Info("Evicted %d stale snapshots", evicted)
	}
	return evicted
}

// -----------------------------------------------------------------------------
// Update fan-out
// -----------------------------------------------------------------------------

// Subscribe registers an update listener and returns its unsubscribe handle.
func (c *SnapshotCache) Subscribe(fn func(UpdateEvent)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// -----------------------------------------------------------------------------

// notify delivers one event to every listener. A failing listener is isolated
// so it cannot break delivery to the others or crash ingestion.
func (c *SnapshotCache) notify(event UpdateEvent) {
	c.listenersMu.Lock()
	fns := make([]func(UpdateEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.Logger.Error("Snapshot listener panicked: %v", r)
				}
			}()
			fn(event)
		}()
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (c *SnapshotCache) Health() Health {
	c.mu.RLock()
	count := len(c.snapshots)
	c.mu.RUnlock()

	var last time.Time
	if ms := c.lastMessage.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}

	return Health{
		Connected:         c.feed.Connected(),
		ProcessedMessages: c.processed.Load(),
		SnapshotCount:     count,
		LastMessageAt:     last,
	}
}

// -----------------------------------------------------------------------------
// JSON helpers
// -----------------------------------------------------------------------------

func numField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// -----------------------------------------------------------------------------

func arrayField(m map[string]interface{}, key string) ([]map[string]interface{}, bool) {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out, true
}
