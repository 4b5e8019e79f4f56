package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vpn-console/internal/feed"
	"vpn-console/internal/logging"
	"vpn-console/internal/model"
)

func startRelay(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, instance string) *feed.Feed {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := feed.NewWithOptions(feed.Options{InstanceID: instance})
	r := New(client, f, "", logging.Discard())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return f
}

func TestRelay_MirrorsWritesBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startRelay(t, ctx, mr, "a")
	b := startRelay(t, ctx, mr, "b")

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 2 && a.SubscriberCount() == 1 && b.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	onA := a.Subscribe(model.CollectionAccounts, nil)
	defer onA.Cancel()
	onB := b.Subscribe(model.CollectionAccounts, nil)
	defer onB.Cancel()

	acc := model.Account{ID: "d1", Balance: 30, Status: model.StatusOnline}
	a.Publish(model.ChangeEvent{Collection: model.CollectionAccounts, DocumentID: "d1", Account: &acc})

	select {
	case ev := <-onB.C:
		assert.Equal(t, "a", ev.Origin)
		require.NotNil(t, ev.Account)
		assert.Equal(t, int64(30), ev.Account.Balance)
	case <-time.After(2 * time.Second):
		t.Fatal("expected event mirrored to instance b")
	}

	select {
	case ev := <-onA.C:
		assert.Equal(t, "a", ev.Origin)
	case <-time.After(time.Second):
		t.Fatal("expected local delivery on instance a")
	}
	select {
	case ev := <-onA.C:
		t.Fatalf("instance a received its own event twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_DoesNotMirrorPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startRelay(t, ctx, mr, "a")
	b := startRelay(t, ctx, mr, "b")
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 2 && a.SubscriberCount() == 1 && b.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	onB := b.Subscribe(model.CollectionPresence, nil)
	defer onB.Cancel()

	a.Publish(model.ChangeEvent{Collection: model.CollectionPresence, DocumentID: "d1", Presence: &model.PresenceChange{DeviceID: "d1", To: model.StatusOnline}})

	select {
	case ev := <-onB.C:
		t.Fatalf("presence must stay local: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelay_RequiresInstanceID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := New(client, feed.New(), "", logging.Discard())
	assert.Error(t, r.Run(context.Background()))
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
