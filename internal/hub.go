package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"liveuser/internal/protocol"
	"liveuser/internal/storage"
)

const counterTimeout = 2 * time.Second

var (
	// ErrTotalsDisabled is returned by total operations when no visit counter is configured.
	ErrTotalsDisabled = errors.New("total count tracking is disabled")
	// ErrListingUnsupported means the counter backend cannot enumerate sites.
	ErrListingUnsupported = errors.New("visit counter cannot list totals")
)

// VisitCounter is the durable per-site visit total. Implementations live in
// the storage package.
type VisitCounter interface {
	Increment(ctx context.Context, siteID string) (int64, error)
	Read(ctx context.Context, siteID string) (int64, error)
	Reset(ctx context.Context, siteID string) error
}

// Hub routes site ids to their registries. It creates a Site on first use
// and drops it once its last connection leaves, so memory follows the set of
// currently active sites. The hub lock only guards the table; joins, leaves
// and broadcasts run under the per-site lock.
type Hub struct {
	mutex   sync.RWMutex
	sites   map[string]*Site
	counter VisitCounter
	metrics *Metrics
}

// NewHub builds an empty hub. counter may be nil, which disables totals.
func NewHub(counter VisitCounter, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		sites:   make(map[string]*Site),
		counter: counter,
		metrics: metrics,
	}
}

// TotalsEnabled reports whether a visit counter is wired in.
func (hub *Hub) TotalsEnabled() bool {
	return hub.counter != nil
}

// resolve returns the registry for siteID, creating it when needed.
func (hub *Hub) resolve(siteID string) *Site {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if site, exists := hub.sites[siteID]; exists {
		return site
	}
	site := newSite(siteID, hub.metrics)
	hub.sites[siteID] = site
	slog.Debug("site created", "site", siteID)
	return site
}

func (hub *Hub) getSite(siteID string) *Site {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.sites[siteID]
}

// evictIfEmpty drops the site from the table once its count reaches zero.
func (hub *Hub) evictIfEmpty(siteID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if site, exists := hub.sites[siteID]; exists {
		if site.markEvictedIfEmpty() {
			delete(hub.sites, siteID)
			slog.Debug("site evicted", "site", siteID)
		}
	}
}

// Join admits conn to siteID and broadcasts the new count. With trackTotal
// the visit counter is incremented first, once per admission, so the
// resulting update already carries the new total. A counter failure only
// drops the total from the update.
func (hub *Hub) Join(ctx context.Context, conn Conn, siteID, clientID string, trackTotal bool) {
	var total *int64
	if trackTotal && hub.counter != nil {
		counterCtx, cancel := context.WithTimeout(ctx, counterTimeout)
		value, err := hub.counter.Increment(counterCtx, siteID)
		cancel()
		if err != nil {
			hub.metrics.IncCounterError()
			slog.Warn("visit counter increment failed", "site", siteID, "error", err)
		} else {
			total = &value
		}
	}
	for {
		if hub.resolve(siteID).join(conn, clientID, total) {
			break
		}
	}
	// the joining connection itself may have been pruned by its own update
	hub.evictIfEmpty(siteID)
}

// Leave removes conn from siteID. Unknown sites and non-members are ignored.
func (hub *Hub) Leave(conn Conn, siteID string) {
	if site := hub.getSite(siteID); site != nil {
		site.leave(conn)
	}
	hub.evictIfEmpty(siteID)
}

// Move re-homes conn from one site to another: it leaves the old registry,
// which broadcasts there, then joins the new one.
func (hub *Hub) Move(ctx context.Context, conn Conn, from, to, clientID string, trackTotal bool) {
	if from == to {
		hub.Join(ctx, conn, to, clientID, false)
		return
	}
	hub.Leave(conn, from)
	hub.Join(ctx, conn, to, clientID, trackTotal)
}

// Heartbeat answers a ping from conn without broadcasting. With trackTotal
// the persisted total is read; on failure the site's cached total is used.
func (hub *Hub) Heartbeat(ctx context.Context, conn Conn, siteID string, trackTotal bool) protocol.Message {
	hub.metrics.IncHeartbeat()
	includeTotal := trackTotal && hub.counter != nil
	var total *int64
	if includeTotal {
		counterCtx, cancel := context.WithTimeout(ctx, counterTimeout)
		value, err := hub.counter.Read(counterCtx, siteID)
		cancel()
		if err != nil {
			hub.metrics.IncCounterError()
			slog.Warn("visit counter read failed", "site", siteID, "error", err)
		} else {
			total = &value
		}
	}
	site := hub.getSite(siteID)
	if site == nil {
		return protocol.HeartbeatAck(time.Now(), total)
	}
	return site.heartbeat(conn, total, includeTotal)
}

// Shutdown sends a shutdown notice to every connection of every site and then
// closes them. Connections leave their sites as their transports wind down.
func (hub *Hub) Shutdown(message string) {
	notice := protocol.Shutdown(message)
	for _, site := range hub.snapshot() {
		site.broadcast(notice)
		site.closeAll()
	}
	slog.Info("shutdown notice sent", "message", notice.Message)
}

// Count returns the live count for siteID and whether the site is active.
func (hub *Hub) Count(siteID string) (int, bool) {
	site := hub.getSite(siteID)
	if site == nil {
		return 0, false
	}
	return site.currentCount(), true
}

// Total returns the persisted visit total for siteID.
func (hub *Hub) Total(ctx context.Context, siteID string) (int64, error) {
	if hub.counter == nil {
		return 0, ErrTotalsDisabled
	}
	return hub.counter.Read(ctx, siteID)
}

// ResetTotal clears the persisted total and the cached copy of an active site.
func (hub *Hub) ResetTotal(ctx context.Context, siteID string) error {
	if hub.counter == nil {
		return ErrTotalsDisabled
	}
	if err := hub.counter.Reset(ctx, siteID); err != nil {
		return err
	}
	if site := hub.getSite(siteID); site != nil {
		site.clearTotal()
	}
	return nil
}

// TotalsLister is implemented by counters that can enumerate their sites.
type TotalsLister interface {
	ListTotals(ctx context.Context, limit int) ([]storage.SiteTotal, error)
}

// TopTotals returns the highest persisted totals across sites.
func (hub *Hub) TopTotals(ctx context.Context, limit int) ([]storage.SiteTotal, error) {
	if hub.counter == nil {
		return nil, ErrTotalsDisabled
	}
	lister, ok := hub.counter.(TotalsLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	return lister.ListTotals(ctx, limit)
}

// Stats reports the number of active sites and live connections.
func (hub *Hub) Stats() (sites, connections int) {
	for _, site := range hub.snapshot() {
		sites++
		connections += site.currentCount()
	}
	return sites, connections
}

func (hub *Hub) snapshot() []*Site {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	sites := make([]*Site, 0, len(hub.sites))
	for _, site := range hub.sites {
		sites = append(sites, site)
	}
	return sites
}
