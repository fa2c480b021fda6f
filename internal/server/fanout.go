package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"gihan9a/groupsync/internal/utils"
)

// Fanout relays broadcasts to the other server instances sharing a store.
type Fanout interface {
	// Publish sends msg for session to every other instance.
	Publish(ctx context.Context, session string, msg []byte) error
	// Receive calls deliver for every message published by another
	// instance until ctx is cancelled.
	Receive(ctx context.Context, deliver func(session string, msg []byte)) error
	Close() error
}

type envelope struct {
	Origin  string          `json:"origin"`
	Session string          `json:"session"`
	Message json.RawMessage `json:"message"`
}

// RedisFanout relays broadcasts over a redis pub/sub channel.
type RedisFanout struct {
	rdb     *redis.Client
	channel string
	origin  string
}

func NewRedisFanout(rdb *redis.Client, channel string) *RedisFanout {
	return &RedisFanout{rdb: rdb, channel: channel, origin: utils.GenerateRandomID()}
}

// DialRedisFanout connects to the redis server at addr.
func DialRedisFanout(ctx context.Context, addr, channel string) (*RedisFanout, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedisFanout(rdb, channel), nil
}

func (f *RedisFanout) Publish(ctx context.Context, session string, msg []byte) error {
	data, err := json.Marshal(envelope{Origin: f.origin, Session: session, Message: msg})
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, data).Err()
}

func (f *RedisFanout) Receive(ctx context.Context, deliver func(session string, msg []byte)) error {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", f.channel, err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				glog.Warningf("Ignoring malformed fanout message: %v", err)
				continue
			}
			if env.Origin == f.origin {
				continue
			}
			glog.V(2).Infof("Relaying fanout message for session %s", env.Session)
			deliver(env.Session, env.Message)
		}
	}
}

func (f *RedisFanout) Close() error {
	return f.rdb.Close()
}
