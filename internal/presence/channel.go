package presence

import (
	"context"
	"sync"
	"time"
)

// Channel is the shared per-room state. Put and Delete notify every
// watcher of the room; delivery may coalesce notifications.
type Channel interface {
	Put(ctx context.Context, room string, rec Record) error
	Delete(ctx context.Context, room, connectionID string) error
	List(ctx context.Context, room string) ([]Record, error)
	// Lookup reports the room a connection last published into and the
	// user it published as.
	Lookup(ctx context.Context, connectionID string) (Binding, bool, error)
	// Watch returns a channel that receives a value after each change to
	// room. It is closed when ctx is done.
	Watch(ctx context.Context, room string) (<-chan struct{}, error)
}

// Binding ties a connection id to the user that owns it.
type Binding struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

// MemoryChannel is a single-process Channel. Records older than twice the
// ttl are dropped when their room is listed.
type MemoryChannel struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	rooms    map[string]map[string]Record
	conns    map[string]Binding
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemoryChannel(ttl time.Duration) *MemoryChannel {
	return &MemoryChannel{
		ttl:      ttl,
		now:      time.Now,
		rooms:    map[string]map[string]Record{},
		conns:    map[string]Binding{},
		watchers: map[string]map[chan struct{}]struct{}{},
	}
}

// WithClock replaces the clock used to prune expired records.
func (m *MemoryChannel) WithClock(now func() time.Time) *MemoryChannel {
	m.now = now
	return m
}

func (m *MemoryChannel) Put(_ context.Context, room string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = map[string]Record{}
	}
	m.rooms[room][rec.ConnectionID] = rec
	m.conns[rec.ConnectionID] = Binding{Room: room, UserID: rec.UserID}
	m.notifyLocked(room)
	return nil
}

func (m *MemoryChannel) Delete(_ context.Context, room, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room][connectionID]; !ok {
		return nil
	}
	m.removeLocked(room, connectionID)
	m.notifyLocked(room)
	return nil
}

func (m *MemoryChannel) removeLocked(room, connectionID string) {
	delete(m.rooms[room], connectionID)
	if len(m.rooms[room]) == 0 {
		delete(m.rooms, room)
	}
	if m.conns[connectionID].Room == room {
		delete(m.conns, connectionID)
	}
}

func (m *MemoryChannel) List(_ context.Context, room string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.rooms[room]))
	for id, rec := range m.rooms[room] {
		if m.staleLocked(rec) {
			m.removeLocked(room, id)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryChannel) Lookup(_ context.Context, connectionID string) (Binding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.conns[connectionID]
	if !ok {
		return Binding{}, false, nil
	}
	if rec, live := m.rooms[b.Room][connectionID]; !live || m.staleLocked(rec) {
		m.removeLocked(b.Room, connectionID)
		return Binding{}, false, nil
	}
	return b, true, nil
}

func (m *MemoryChannel) staleLocked(rec Record) bool {
	return m.ttl > 0 && m.now().Sub(rec.UpdatedAt) > 2*m.ttl
}

func (m *MemoryChannel) Watch(ctx context.Context, room string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.watchers[room] == nil {
		m.watchers[room] = map[chan struct{}]struct{}{}
	}
	m.watchers[room][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[room], ch)
		if len(m.watchers[room]) == 0 {
			delete(m.watchers, room)
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryChannel) notifyLocked(room string) {
	for ch := range m.watchers[room] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
