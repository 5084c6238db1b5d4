package ingest

import (
	"net"
	"sort"
	"sync"
	"time"

	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/models"
)

// Record tracks one live connection. Records are only mutated under the registry lock.
type Record struct {
	RemoteAddr string
	Conn       net.Conn
	LastActive time.Time
	LogicalID  string
}

// Eviction describes a record removed by a liveness sweep
type Eviction struct {
	RemoteAddr string
	LogicalID  string
	LastActive time.Time

	// StillConnected is true when another live record carries the same logical id
	StillConnected bool
}

// Registry owns the live connections of one tier, keyed by remote address,
// plus an index from logical node id to address. Index entries may point at
// addresses that are already gone and are always checked before use.
type Registry struct {
	tier string

	mu      sync.Mutex
	records map[string]*Record
	index   map[string]string

	now            func() time.Time
	onCountChanged func(tier string, count int)
}

// NewRegistry creates an empty registry for the named tier
func NewRegistry(tier string) *Registry {
	return &Registry{
		tier:    tier,
		records: make(map[string]*Record),
		index:   make(map[string]string),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for activity timestamps
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// OnCountChanged sets the hook called after every change in the number of live connections
func (r *Registry) OnCountChanged(fn func(tier string, count int)) {
	r.mu.Lock()
	r.onCountChanged = fn
	r.mu.Unlock()
}

// Tier returns the tier label this registry was created with
func (r *Registry) Tier() string {
	return r.tier
}

// Add registers conn and returns the address it is keyed by
func (r *Registry) Add(conn net.Conn) string {
	addr := conn.RemoteAddr().String()

	r.mu.Lock()
	r.records[addr] = &Record{
		RemoteAddr: addr,
		Conn:       conn,
		LastActive: r.now(),
	}
	count, hook := len(r.records), r.onCountChanged
	r.mu.Unlock()

	r.notify(hook, count)
	return addr
}

// Touch marks the record at addr as active now
func (r *Registry) Touch(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[addr]; ok {
		rec.LastActive = r.now()
	}
}

// Bind associates a logical id with the record at addr
func (r *Registry) Bind(addr, logicalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return false
	}
	rec.LogicalID = logicalID
	r.index[logicalID] = addr
	return true
}

// Remove deletes the record at addr if it still belongs to conn.
// A record re-created for the same address by a newer connection is left alone.
func (r *Registry) Remove(addr string, conn net.Conn) bool {
	r.mu.Lock()
	rec, ok := r.records[addr]
	if !ok || rec.Conn != conn {
		r.mu.Unlock()
		return false
	}
	r.deleteLocked(rec)
	count, hook := len(r.records), r.onCountChanged
	r.mu.Unlock()

	r.notify(hook, count)
	return true
}

// Disconnect evicts the connection bound to logicalID. It returns false when
// the id is unknown or its connection is already gone.
func (r *Registry) Disconnect(logicalID string) bool {
	r.mu.Lock()
	addr, ok := r.index[logicalID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rec, ok := r.records[addr]
	if !ok || rec.LogicalID != logicalID {
		delete(r.index, logicalID)
		r.mu.Unlock()
		return false
	}
	r.deleteLocked(rec)
	count, hook := len(r.records), r.onCountChanged
	r.mu.Unlock()

	closeQuietly(rec.Conn)
	metrics.Evictions.WithLabelValues(r.tier, "disconnect").Inc()
	r.notify(hook, count)
	return true
}

// Sweep evicts every record idle for longer than timeout and closes its socket.
func (r *Registry) Sweep(timeout time.Duration) []Eviction {
	r.mu.Lock()
	cutoff := r.now().Add(-timeout)

	var stale []*Record
	for _, rec := range r.records {
		if rec.LastActive.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	for _, rec := range stale {
		r.deleteLocked(rec)
	}

	evictions := make([]Eviction, 0, len(stale))
	for _, rec := range stale {
		ev := Eviction{
			RemoteAddr: rec.RemoteAddr,
			LogicalID:  rec.LogicalID,
			LastActive: rec.LastActive,
		}
		if rec.LogicalID != "" {
			if other, ok := r.findLocked(rec.LogicalID); ok {
				ev.StillConnected = true
				r.index[rec.LogicalID] = other.RemoteAddr
			}
		}
		evictions = append(evictions, ev)
	}
	count, hook := len(r.records), r.onCountChanged
	r.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	for _, rec := range stale {
		closeQuietly(rec.Conn)
	}
	metrics.Evictions.WithLabelValues(r.tier, "timeout").Add(float64(len(stale)))
	r.notify(hook, count)

	sort.Slice(evictions, func(i, j int) bool {
		return evictions[i].RemoteAddr < evictions[j].RemoteAddr
	})
	return evictions
}

// CloseAll evicts every connection and returns how many were closed
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	all := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, rec)
	}
	r.records = make(map[string]*Record)
	r.index = make(map[string]string)
	hook := r.onCountChanged
	r.mu.Unlock()

	for _, rec := range all {
		closeQuietly(rec.Conn)
	}
	if len(all) > 0 {
		metrics.Evictions.WithLabelValues(r.tier, "forced").Add(float64(len(all)))
		r.notify(hook, 0)
	}
	return len(all)
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Connected reports whether any live record carries logicalID
func (r *Registry) Connected(logicalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.findLocked(logicalID)
	return ok
}

// Snapshot returns copies of all live records, ordered by address
func (r *Registry) Snapshot() []models.ConnectionInfo {
	r.mu.Lock()
	out := make([]models.ConnectionInfo, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, models.ConnectionInfo{
			RemoteAddr: rec.RemoteAddr,
			LogicalID:  rec.LogicalID,
			LastActive: rec.LastActive,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RemoteAddr < out[j].RemoteAddr })
	return out
}

func (r *Registry) findLocked(logicalID string) (*Record, bool) {
	if addr, ok := r.index[logicalID]; ok {
		if rec, ok := r.records[addr]; ok && rec.LogicalID == logicalID {
			return rec, true
		}
	}
	for _, rec := range r.records {
		if rec.LogicalID == logicalID {
			return rec, true
		}
	}
	return nil, false
}

func (r *Registry) deleteLocked(rec *Record) {
	delete(r.records, rec.RemoteAddr)
	if rec.LogicalID != "" && r.index[rec.LogicalID] == rec.RemoteAddr {
		delete(r.index, rec.LogicalID)
	}
}

func (r *Registry) notify(hook func(string, int), count int) {
	metrics.ConnectionsActive.WithLabelValues(r.tier).Set(float64(count))
	if hook != nil {
		hook(r.tier, count)
	}
}

func closeQuietly(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
