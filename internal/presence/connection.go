package presence

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Publisher is the authority a Connection reports to. *Aggregator
// satisfies it directly; remote clients wrap their transport.
type Publisher interface {
	Publish(ctx context.Context, room string, who Participant, connectionID string, sel *Selection, docSize int) (Record, error)
	Leave(ctx context.Context, room, userID, connectionID string) error
}

// Connection is one client's live presence. Selection changes are coalesced
// to at most one publish per frame, the latest value winning, and the
// record is refreshed on a heartbeat so it outlives the roster ttl.
type Connection struct {
	id        string
	who       Participant
	pub       Publisher
	frame     time.Duration
	heartbeat time.Duration
	timeout   time.Duration
	onError   func(error)

	// pubMu orders publishes so a frame flushed for an old room can never
	// land after the connection attached elsewhere.
	pubMu sync.Mutex

	mu     sync.Mutex
	room   string
	size   int
	sel    *Selection
	dirty  bool
	gen    uint64
	timer  *time.Timer
	stop   chan struct{}
	closed bool
}

type ConnectionOption func(*Connection)

func WithFrame(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.frame = d }
}

func WithHeartbeat(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.heartbeat = d }
}

func WithErrorHandler(fn func(error)) ConnectionOption {
	return func(c *Connection) { c.onError = fn }
}

func NewConnection(pub Publisher, connectionID string, who Participant, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:        connectionID,
		who:       who,
		pub:       pub,
		frame:     16 * time.Millisecond,
		heartbeat: 2 * time.Second,
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onError == nil {
		c.onError = func(err error) {
			log.WithError(err).WithField("connectionId", connectionID).Warn("presence.publish_failed")
		}
	}
	return c
}

func (c *Connection) ID() string {
	return c.id
}

// Room returns the attached room, empty when detached.
func (c *Connection) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Connection) Selection() *Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sel == nil {
		return nil
	}
	s := *c.sel
	return &s
}

// Attach leaves the current room, if any, then joins room with an empty
// selection. size bounds later selections.
func (c *Connection) Attach(ctx context.Context, room string, size int) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	previous := c.room
	c.gen++
	c.room = ""
	c.sel = nil
	c.dirty = false
	c.stopTimerLocked()
	c.mu.Unlock()

	if previous != "" && previous != room {
		if err := c.pub.Leave(ctx, previous, c.who.UserID, c.id); err != nil {
			return err
		}
	}
	if _, err := c.pub.Publish(ctx, room, c.who, c.id, nil, size); err != nil {
		return err
	}

	c.mu.Lock()
	c.room = room
	c.size = size
	c.startHeartbeatLocked()
	c.mu.Unlock()
	return nil
}

// Detach leaves the current room.
func (c *Connection) Detach(ctx context.Context) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	room := c.room
	c.gen++
	c.room = ""
	c.sel = nil
	c.dirty = false
	c.stopTimerLocked()
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if room == "" {
		return nil
	}
	return c.pub.Leave(ctx, room, c.who.UserID, c.id)
}

// Resize updates the document size and pulls the selection back in bounds.
func (c *Connection) Resize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = size
	if c.sel != nil {
		s := c.sel.Normalize(size)
		c.sel = &s
		c.scheduleLocked()
	}
}

// SetSelection records the local selection; nil clears it. The value is
// published on the next frame boundary.
func (c *Connection) SetSelection(sel *Selection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == "" || c.closed {
		return
	}
	if sel == nil {
		c.sel = nil
	} else {
		s := sel.Normalize(c.size)
		c.sel = &s
	}
	c.scheduleLocked()
}

func (c *Connection) Close(ctx context.Context) error {
	err := c.Detach(ctx)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Connection) scheduleLocked() {
	c.dirty = true
	if c.timer != nil {
		return
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.frame, func() { c.flush(gen, false) })
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) startHeartbeatLocked() {
	if c.stop != nil || c.heartbeat <= 0 {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				gen := c.gen
				c.mu.Unlock()
				c.flush(gen, true)
			}
		}
	}()
}

func (c *Connection) stopHeartbeatLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// flush publishes the current state if the connection is still in the
// generation that scheduled it. Heartbeats publish even when clean.
func (c *Connection) flush(gen uint64, heartbeat bool) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.gen == gen && !heartbeat {
		c.timer = nil
	}
	if c.gen != gen || c.room == "" || (!c.dirty && !heartbeat) {
		c.mu.Unlock()
		return
	}
	room, size := c.room, c.size
	var sel *Selection
	if c.sel != nil {
		s := *c.sel
		sel = &s
	}
	c.dirty = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.pub.Publish(ctx, room, c.who, c.id, sel, size); err != nil {
		c.onError(err)
	}
}
