package internal

import (
	"log/slog"
	"sync"
	"time"

	"liveuser/internal/protocol"
)

// Conn is one live transport session as the registry sees it. Membership is
// keyed by the Conn instance, never by client id.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type member struct {
	clientID      string
	joinedAt      time.Time
	lastHeartbeat time.Time
}

// Site is the registry for one site: its members, their count and the last
// known visit total. The mutex serializes every mutation of one site; sites
// never share locks.
type Site struct {
	id      string
	mutex   sync.Mutex
	members map[Conn]*member
	count   int
	total   *int64
	evicted bool
	metrics *Metrics
}

func newSite(id string, metrics *Metrics) *Site {
	return &Site{
		id:      id,
		members: make(map[Conn]*member),
		metrics: metrics,
	}
}

// join adds conn and broadcasts the new count. A second join with the same
// conn only re-broadcasts. It returns false when the site has already been
// evicted from the router; the caller must resolve a fresh one.
func (site *Site) join(conn Conn, clientID string, total *int64) bool {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	if site.evicted {
		return false
	}
	if total != nil {
		value := *total
		site.total = &value
	}
	if existing, ok := site.members[conn]; ok {
		existing.clientID = clientID
	} else {
		now := time.Now()
		site.members[conn] = &member{clientID: clientID, joinedAt: now, lastHeartbeat: now}
		site.count++
	}
	slog.Info("client joined", "site", site.id, "clientId", clientID, "count", site.count)
	site.publishCountLocked()
	return true
}

// leave removes conn and broadcasts the new count. Leaving twice, or leaving
// without ever joining, changes nothing.
func (site *Site) leave(conn Conn) (remaining int, removed bool) {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	entry, ok := site.members[conn]
	if !ok {
		return site.count, false
	}
	site.removeLocked(conn)
	slog.Info("client left", "site", site.id, "clientId", entry.clientID, "count", site.count)
	site.publishCountLocked()
	return site.count, true
}

// heartbeat records liveness for conn and builds the ack. It never touches
// the count and never broadcasts. With includeTotal and no fresh total the
// cached one is used.
func (site *Site) heartbeat(conn Conn, total *int64, includeTotal bool) protocol.Message {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	now := time.Now()
	if entry, ok := site.members[conn]; ok {
		entry.lastHeartbeat = now
	}
	if !includeTotal {
		return protocol.HeartbeatAck(now, nil)
	}
	if total == nil {
		total = site.total
	}
	return protocol.HeartbeatAck(now, total)
}

func (site *Site) currentCount() int {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	return site.count
}

func (site *Site) cachedTotal() *int64 {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	if site.total == nil {
		return nil
	}
	value := *site.total
	return &value
}

func (site *Site) clearTotal() {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	site.total = nil
}

// broadcast delivers msg to every member, pruning those that fail.
func (site *Site) broadcast(msg protocol.Message) {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	if site.broadcastLocked(msg) > 0 && msg.Type == protocol.TypeUpdate {
		site.publishCountLocked()
	}
}

// closeAll closes every member's transport without removing it; removal
// happens when each transport reports the close.
func (site *Site) closeAll() {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	for conn := range site.members {
		_ = conn.Close()
	}
}

// markEvictedIfEmpty flags an empty site as evicted so late joiners move on
// to a fresh registry instead of resurrecting this one.
func (site *Site) markEvictedIfEmpty() bool {
	site.mutex.Lock()
	defer site.mutex.Unlock()
	if site.count > 0 {
		return false
	}
	site.evicted = true
	return true
}

// publishCountLocked broadcasts the current count. Pruning during a broadcast
// changes the count, so survivors get the corrected value until a round
// completes without failures. Each round removes at least one member, so
// the loop terminates.
func (site *Site) publishCountLocked() {
	for {
		update := protocol.Update(site.id, site.count, site.total)
		if site.broadcastLocked(update) == 0 || site.count == 0 {
			return
		}
	}
}

// broadcastLocked encodes msg once and sends it to every member. A failed
// send removes and closes that member; delivery to the rest continues.
func (site *Site) broadcastLocked(msg protocol.Message) int {
	if len(site.members) == 0 {
		return 0
	}
	payload := msg.MustEncode()
	site.metrics.IncBroadcast()
	var failed []Conn
	for conn := range site.members {
		if err := conn.Send(payload); err != nil {
			slog.Warn("send failed, pruning connection", "site", site.id, "clientId", conn.ID(), "error", err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		site.removeLocked(conn)
		site.metrics.IncPruned()
		_ = conn.Close()
	}
	return len(failed)
}

func (site *Site) removeLocked(conn Conn) {
	if _, ok := site.members[conn]; !ok {
		return
	}
	delete(site.members, conn)
	site.count--
	if site.count < 0 {
		site.count = 0
	}
}
