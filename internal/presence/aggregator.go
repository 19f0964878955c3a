package presence

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tandem/api/internal/apperr"
)

// Participant is the identity a connection publishes under.
type Participant struct {
	UserID      string
	DisplayName string
	Role        string
}

type Aggregator struct {
	channel Channel
	ttl     time.Duration
	tick    time.Duration
	now     func() time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithTick sets how often subscribers re-derive the roster to expire
// records of connections that stopped sending heartbeats.
func WithTick(d time.Duration) Option {
	return func(a *Aggregator) { a.tick = d }
}

func NewAggregator(channel Channel, ttl time.Duration, opts ...Option) *Aggregator {
	a := &Aggregator{channel: channel, ttl: ttl, tick: ttl / 2, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.tick <= 0 {
		a.tick = time.Second
	}
	return a
}

func (a *Aggregator) TTL() time.Duration {
	return a.ttl
}

// Publish stores the connection's record in room. A connection entering a
// room is first removed from the room it was in, and its selection starts
// out empty. Otherwise the selection must lie within docSize.
func (a *Aggregator) Publish(ctx context.Context, room string, who Participant, connectionID string, sel *Selection, docSize int) (Record, error) {
	ctx, span := otel.Tracer("tandem/presence").Start(ctx, "presence.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("room", room), attribute.String("connection.id", connectionID))

	rec := Record{
		ConnectionID: connectionID,
		UserID:       who.UserID,
		DisplayName:  who.DisplayName,
		Color:        ColorFor(who.UserID),
		Role:         who.Role,
		UpdatedAt:    a.now(),
	}
	if rec.DisplayName == "" {
		rec.DisplayName = who.UserID
	}
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	binding, found, err := a.claim(ctx, room, who.UserID, connectionID)
	if err != nil {
		return Record{}, err
	}
	previous := binding.Room
	attaching := !found || previous != room
	if found && previous != room {
		if err := a.channel.Delete(ctx, previous, connectionID); err != nil {
			return Record{}, err
		}
		log.WithFields(log.Fields{"connectionId": connectionID, "from": previous, "to": room}).Debug("presence.switched")
	}

	if !attaching && sel != nil {
		if !sel.Within(docSize) {
			return Record{}, apperr.InvalidArgument("SELECTION_OUT_OF_RANGE", "selection is outside the document").
				WithDetails(map[string]int{"from": sel.From, "to": sel.To, "size": docSize})
		}
		normalized := sel.Normalize(docSize)
		rec.Selection = &normalized
	}

	if err := a.channel.Put(ctx, room, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Leave removes userID's connection from room.
func (a *Aggregator) Leave(ctx context.Context, room, userID, connectionID string) error {
	if _, _, err := a.claim(ctx, room, userID, connectionID); err != nil {
		return err
	}
	return a.channel.Delete(ctx, room, connectionID)
}

// claim fails with Forbidden when connectionID is held by another user,
// either where it was last bound or in room.
func (a *Aggregator) claim(ctx context.Context, room, userID, connectionID string) (Binding, bool, error) {
	binding, found, err := a.channel.Lookup(ctx, connectionID)
	if err != nil {
		return Binding{}, false, err
	}
	if found && binding.UserID != userID {
		return Binding{}, false, errConnectionTaken(connectionID)
	}
	if found && binding.Room == room {
		return binding, true, nil
	}
	records, err := a.channel.List(ctx, room)
	if err != nil {
		return Binding{}, false, err
	}
	for _, rec := range records {
		if rec.ConnectionID == connectionID && rec.UserID != userID {
			return Binding{}, false, errConnectionTaken(connectionID)
		}
	}
	return binding, found, nil
}

func errConnectionTaken(connectionID string) error {
	return apperr.Forbidden("connection belongs to another user").
		WithDetails(map[string]string{"connectionId": connectionID})
}

func (a *Aggregator) Roster(ctx context.Context, room string) (Roster, error) {
	records, err := a.channel.List(ctx, room)
	if err != nil {
		return Roster{}, err
	}
	return Derive(room, records, a.now(), a.ttl), nil
}

// Subscribe streams roster snapshots for room until ctx is done. The first
// snapshot is sent immediately; later ones only when the roster changes.
// A slow reader only ever sees the latest snapshot. The channel is closed
// when ctx ends or the underlying subscription is lost; subscribing again
// starts a fresh stream.
func (a *Aggregator) Subscribe(ctx context.Context, room string) (<-chan Roster, error) {
	changes, err := a.channel.Watch(ctx, room)
	if err != nil {
		return nil, err
	}
	initial, err := a.Roster(ctx, room)
	if err != nil {
		return nil, err
	}

	out := make(chan Roster, 1)
	out <- initial
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.tick)
		defer ticker.Stop()
		last := initial.Signature()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			case <-ticker.C:
			}

			roster, err := a.Roster(ctx, room)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).WithField("room", room).Warn("presence.roster_failed")
				continue
			}
			sig := roster.Signature()
			if sig == last {
				continue
			}
			last = sig
			offerLatest(out, roster)
		}
	}()
	return out, nil
}

// offerLatest replaces an unread snapshot instead of blocking.
func offerLatest(out chan Roster, roster Roster) {
	for {
		select {
		case out <- roster:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
