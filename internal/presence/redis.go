package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
)

// RedisChannel stores each room as a hash of connection id to record and
// announces changes on a pub/sub channel per room.
type RedisChannel struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type frame struct {
	Kind         string `json:"kind"`
	ConnectionID string `json:"connectionId"`
}

func NewRedisChannel(client *redis.Client, ttl time.Duration) *RedisChannel {
	return &RedisChannel{client: client, prefix: "presence:", ttl: ttl, now: time.Now}
}

// WithClock replaces the clock used to prune expired records.
func (r *RedisChannel) WithClock(now func() time.Time) *RedisChannel {
	r.now = now
	return r
}

func (r *RedisChannel) roomKey(room string) string {
	return r.prefix + "room:" + room
}

func (r *RedisChannel) eventsKey(room string) string {
	return r.prefix + "events:" + room
}

func (r *RedisChannel) connKey(connectionID string) string {
	return r.prefix + "conn:" + connectionID
}

// keyTTL keeps abandoned rooms from living forever in Redis.
func (r *RedisChannel) keyTTL() time.Duration {
	if r.ttl <= 0 {
		return time.Minute
	}
	return 4 * r.ttl
}

func (r *RedisChannel) Put(ctx context.Context, room string, rec Record) error {
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence record: %w", err)
	}
	event, err := sonic.Marshal(frame{Kind: "put", ConnectionID: rec.ConnectionID})
	if err != nil {
		return fmt.Errorf("encode presence frame: %w", err)
	}
	binding, err := sonic.Marshal(Binding{Room: room, UserID: rec.UserID})
	if err != nil {
		return fmt.Errorf("encode presence binding: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.roomKey(room), rec.ConnectionID, payload)
	pipe.Expire(ctx, r.roomKey(room), r.keyTTL())
	pipe.Set(ctx, r.connKey(rec.ConnectionID), binding, r.keyTTL())
	pipe.Publish(ctx, r.eventsKey(room), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Unavailable("publish presence", err)
	}
	return nil
}

func (r *RedisChannel) Delete(ctx context.Context, room, connectionID string) error {
	event, err := sonic.Marshal(frame{Kind: "delete", ConnectionID: connectionID})
	if err != nil {
		return fmt.Errorf("encode presence frame: %w", err)
	}
	current, found, err := r.Lookup(ctx, connectionID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.roomKey(room), connectionID)
	if found && current.Room == room {
		pipe.Del(ctx, r.connKey(connectionID))
	}
	pipe.Publish(ctx, r.eventsKey(room), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Unavailable("remove presence", err)
	}
	return nil
}

// List returns the room's records and prunes those past the ttl.
func (r *RedisChannel) List(ctx context.Context, room string) ([]Record, error) {
	raw, err := r.client.HGetAll(ctx, r.roomKey(room)).Result()
	if err != nil {
		return nil, apperr.Unavailable("read presence", err)
	}

	now := r.now()
	records := make([]Record, 0, len(raw))
	var stale []string
	for connID, payload := range raw {
		var rec Record
		if err := sonic.UnmarshalString(payload, &rec); err != nil {
			log.WithError(err).WithFields(log.Fields{"room": room, "connectionId": connID}).Warn("presence.decode_failed")
			stale = append(stale, connID)
			continue
		}
		if r.ttl > 0 && now.Sub(rec.UpdatedAt) > 2*r.ttl {
			stale = append(stale, connID)
			continue
		}
		records = append(records, rec)
	}
	if len(stale) > 0 {
		if err := r.client.HDel(ctx, r.roomKey(room), stale...).Err(); err != nil {
			log.WithError(err).WithField("room", room).Warn("presence.prune_failed")
		}
	}
	return records, nil
}

func (r *RedisChannel) Lookup(ctx context.Context, connectionID string) (Binding, bool, error) {
	raw, err := r.client.Get(ctx, r.connKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, apperr.Unavailable("lookup presence connection", err)
	}
	var b Binding
	if err := sonic.UnmarshalString(raw, &b); err != nil {
		log.WithError(err).WithField("connectionId", connectionID).Warn("presence.binding_invalid")
		return Binding{}, false, nil
	}
	return b, true, nil
}

// Watch subscribes to the room's events. The subscription is confirmed
// before Watch returns so no change after it is missed.
func (r *RedisChannel) Watch(ctx context.Context, room string) (<-chan struct{}, error) {
	sub := r.client.Subscribe(ctx, r.eventsKey(room))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, apperr.Unavailable("subscribe presence", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					log.WithField("room", room).Warn("presence.subscription_closed")
					return
				}
				var f frame
				if err := sonic.UnmarshalString(msg.Payload, &f); err != nil {
					log.WithError(err).WithField("room", room).Warn("presence.frame_invalid")
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
