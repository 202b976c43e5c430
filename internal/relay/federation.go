package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Federation routes a record to the right relay process when the
// recipient's live TCP connection is not held by this one. It is a thin
// layer on top of the per-process §4.7 online/offline tables, never a
// replacement for them: if Federation is nil or Redis is unreachable, a
// relay process simply treats every user as reachable only locally and
// falls back to its own offline queue.
type Federation struct {
	client   *redis.Client
	serverID string
	ctx      context.Context
}

// ErrNotFound is returned when no relay process currently claims a user.
var ErrNotFound = errors.New("relay: no connection registered for user")

// NewFederation connects to the shared Redis instance used to track which
// relay process currently holds each user's live connection.
func NewFederation(addr, serverID string) (*Federation, error) {
	opts := &redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		PoolSize:     10,
		MinIdleConns: 5,
	}
	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: redis ping: %w", err)
	}
	return &Federation{client: client, serverID: serverID, ctx: ctx}, nil
}

func connKey(username string) string {
	return "relay:conn:" + username
}

func inboxChannel(serverID string) string {
	return "relay:inbox:" + serverID
}

// Close releases the underlying Redis connection.
func (f *Federation) Close() error {
	return f.client.Close()
}

// Announce records that username's live connection is now held by this
// relay process, with a TTL so a crashed process's stale entry expires
// instead of black-holing forwards forever.
func (f *Federation) Announce(username string) error {
	return f.client.Set(f.ctx, connKey(username), f.serverID, 5*time.Minute).Err()
}

// Refresh extends Announce's TTL; callers call this periodically while a
// connection stays open.
func (f *Federation) Refresh(username string) error {
	return f.client.Expire(f.ctx, connKey(username), 5*time.Minute).Err()
}

// Forget removes username's connection entry, called when its TCP
// connection closes.
func (f *Federation) Forget(username string) error {
	return f.client.Del(f.ctx, connKey(username)).Err()
}

// Locate returns the serverID of the relay process currently holding
// username's connection, or ErrNotFound if none is registered.
func (f *Federation) Locate(username string) (string, error) {
	val, err := f.client.Get(f.ctx, connKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("relay: locate %s: %w", username, err)
	}
	return val, nil
}

// Deliver publishes an already wire-encoded record frame to the relay
// process that owns username's connection, for that process to write
// straight onto the live socket. Callers are expected to have already
// checked Locate and queued the record locally if no such process exists.
func (f *Federation) Deliver(serverID, username string, frame []byte) error {
	payload := append([]byte(username+"\x00"), frame...)
	return f.client.Publish(f.ctx, inboxChannel(serverID), payload).Err()
}

// Subscribe listens on this process's own inbox channel, invoking handler
// with (username, frame) for every record forwarded to it by a peer
// relay process. It blocks until ctx is cancelled.
func (f *Federation) Subscribe(ctx context.Context, handler func(username string, frame []byte)) error {
	sub := f.client.Subscribe(ctx, inboxChannel(f.serverID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			raw := []byte(msg.Payload)
			sep := -1
			for i, b := range raw {
				if b == 0 {
					sep = i
					break
				}
			}
			if sep < 0 {
				continue
			}
			handler(string(raw[:sep]), raw[sep+1:])
		}
	}
}
