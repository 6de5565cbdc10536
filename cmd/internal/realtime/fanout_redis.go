package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	v1 "taskhive/shared/contracts/realtime/v1"
)

// DefaultFanoutChannel is the Redis pub/sub channel shared by all gateway instances.
const DefaultFanoutChannel = "taskhive:realtime:rooms"

type fanoutMessage struct {
	Origin         string      `json:"origin"`
	ConversationID string      `json:"conversationId"`
	Envelope       v1.Envelope `json:"envelope"`
}

// RedisFanout spreads room events across gateway instances through Redis pub/sub.
//
// Publish delivers to this instance's sessions directly and sends the event to the shared
// channel tagged with the instance origin; Run hands events from other origins to the local
// registry. Pub/sub is fire-and-forget, which matches the at-most-once delivery contract.
type RedisFanout struct {
	client  redis.UniversalClient
	channel string
	origin  string
	local   *LocalFanout
	log     *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisFanout constructs a RedisFanout. channel defaults to DefaultFanoutChannel.
func NewRedisFanout(client redis.UniversalClient, channel string, local *LocalFanout, log *slog.Logger) *RedisFanout {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisFanout{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		log:     log,
		ready:   make(chan struct{}),
	}
}

// Publish sends env to every instance. Local sessions get it whether or not Redis accepts
// the publish; a Redis failure is returned.
func (f *RedisFanout) Publish(ctx context.Context, conversationID string, env v1.Envelope) error {
	_ = f.local.Publish(ctx, conversationID, env)

	b, err := json.Marshal(fanoutMessage{Origin: f.origin, ConversationID: conversationID, Envelope: env})
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, b).Err(); err != nil {
		return fmt.Errorf("redis fanout publish: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed.
func (f *RedisFanout) Ready() <-chan struct{} { return f.ready }

// Run subscribes to the channel and delivers events locally until ctx is done.
func (f *RedisFanout) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis fanout subscribe: %w", err)
	}
	f.readyOnce.Do(func() { close(f.ready) })
	f.log.Info("realtime.fanout.subscribed", "channel", f.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis fanout: subscription closed")
			}
			f.receive(ctx, msg.Payload)
		}
	}
}

// receive delivers one channel payload locally unless this instance published it.
func (f *RedisFanout) receive(ctx context.Context, payload string) {
	var m fanoutMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		f.log.Warn("realtime.fanout.decode_fail", "err", err)
		return
	}
	if m.Origin == f.origin {
		return
	}
	_ = f.local.Publish(ctx, m.ConversationID, m.Envelope)
}
