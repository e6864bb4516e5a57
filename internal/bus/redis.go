package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans events out across worker processes via Redis pub/sub,
// following the same "room is a channel name" mapping as the in-memory
// implementation.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the given Redis URL (e.g. "redis://host:6379/0").
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func (b *RedisBus) Publish(ctx context.Context, room string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	return b.client.Publish(ctx, channelName(room), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, room string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channelName(room))
	if _, err := ps.Receive(ctx); err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", room, err)
	}
	sub := &redisSub{ps: ps, out: make(chan Event, defaultBufferSize)}
	go sub.pump()
	return sub, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }

func channelName(room string) string { return "goclaw:" + room }

type redisSub struct {
	ps  *redis.PubSub
	out chan Event
}

func (s *redisSub) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for msg := range ch {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue // malformed event from a peer version skew; drop, at-most-once delivery
		}
		select {
		case s.out <- ev:
		default:
		}
	}
}

func (s *redisSub) Events() <-chan Event { return s.out }

func (s *redisSub) Close() { s.ps.Close() }
