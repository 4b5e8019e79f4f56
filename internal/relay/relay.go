// Package relay mirrors change events between console instances through a
// Redis pub/sub channel, so an operator connected to one instance sees
// writes made through another.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"vpn-console/internal/feed"
	"vpn-console/internal/model"
)

const DefaultChannel = "vpn-console:changes"

const dialTimeout = 5 * time.Second

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (goredis.UniversalClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Relay struct {
	client  goredis.UniversalClient
	feed    *feed.Feed
	channel string
	logger  logrus.FieldLogger
}

func New(client goredis.UniversalClient, f *feed.Feed, channel string, logger logrus.FieldLogger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Relay{
		client:  client,
		feed:    f,
		channel: channel,
		logger:  logger.WithFields(logrus.Fields{"component": "relay", "instance": f.InstanceID()}),
	}
}

// local selects events written by this instance. Presence is derived by
// every instance on its own and is not mirrored.
func (r *Relay) local(ev model.ChangeEvent) bool {
	return ev.Origin == r.feed.InstanceID() && ev.Collection != model.CollectionPresence
}

// Run forwards local events and injects remote ones until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if r.feed.InstanceID() == "" {
		return fmt.Errorf("relay needs a feed with an instance id")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.forward(ctx) })
	g.Go(func() error { return r.receive(ctx) })
	return g.Wait()
}

func (r *Relay) forward(ctx context.Context) error {
	sub := r.feed.SubscribeAll(r.local)
	defer func() { sub.Cancel() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				r.logger.Warn("relay fell behind the feed, resubscribing")
				sub = r.feed.SubscribeAll(r.local)
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				r.logger.WithError(err).Error("marshal change event")
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).WithField("collection", ev.Collection).Warn("publish change event")
			}
		}
	}
}

func (r *Relay) receive(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to redis: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.WithError(err).Warn("unmarshal change event")
				continue
			}
			if ev.Origin == "" || ev.Origin == r.feed.InstanceID() {
				continue
			}
			r.feed.Inject(ev)
		}
	}
}
