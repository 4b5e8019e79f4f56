package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vpn-console/internal/apperr"
	"vpn-console/internal/logging"
	"vpn-console/internal/model"
	"vpn-console/internal/store"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) *Service {
	t.Helper()
	return New(store.NewMemory(), 0, logging.Discard())
}

func TestCheckIn_CreatesThenUpdates(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	v, created, err := s.CheckIn(ctx, model.Heartbeat{DeviceID: "d1", Status: model.StatusVPNConnected, DataUsage: 10, At: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusVPNConnected, v.EffectiveStatus)

	v, created, err = s.CheckIn(ctx, model.Heartbeat{DeviceID: "d1", Status: model.StatusOnline, DataUsage: 5, At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.StatusOnline, v.Status)
	assert.Equal(t, int64(10), v.DataUsage, "data usage never decreases")

	_, _, err = s.CheckIn(ctx, model.Heartbeat{DeviceID: "d1", Status: "sleeping", At: t0})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGet_DerivesStatusAtReadTime(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, _, err := s.CheckIn(ctx, model.Heartbeat{DeviceID: "d1", Status: model.StatusOnline, At: t0})
	require.NoError(t, err)

	v, err := s.Get(ctx, "d1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, v.EffectiveStatus)

	v, err = s.Get(ctx, "d1", t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, v.EffectiveStatus)
	assert.Equal(t, model.StatusOnline, v.Status, "stored label is untouched")

	_, err = s.Get(ctx, "ghost", t0)
	assert.True(t, apperr.Is(err, apperr.CodeAccountNotFound))
}

func TestBanAndUnban(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, _, err := s.CheckIn(ctx, model.Heartbeat{DeviceID: "d1", Status: model.StatusOnline, At: t0})
	require.NoError(t, err)

	_, err = s.Ban(ctx, "d1", " ", "alice", t0)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidReason))

	v, err := s.Ban(ctx, "d1", "fraud", "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBanned, v.EffectiveStatus)
	assert.Equal(t, "fraud", v.BanReason)

	v, err = s.Ban(ctx, "d1", "fraud", "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBanned, v.Status)

	v, _, err = s.CheckIn(ctx, model.Heartbeat{DeviceID: "d1", Status: model.StatusOnline, At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusBanned, v.EffectiveStatus, "heartbeat cannot lift a ban")

	v, err = s.Unban(ctx, "d1", "alice", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, v.Status)
	assert.Empty(t, v.BanReason)

	_, err = s.Unban(ctx, "ghost", "alice", t0)
	assert.True(t, apperr.Is(err, apperr.CodeAccountNotFound))
}

func TestList_FiltersByEffectiveStatus(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	for _, hb := range []model.Heartbeat{
		{DeviceID: "fresh", Status: model.StatusOnline, At: t0},
		{DeviceID: "stale", Status: model.StatusOnline, At: t0.Add(-time.Hour)},
		{DeviceID: "vpn", Status: model.StatusVPNConnected, At: t0},
	} {
		_, _, err := s.CheckIn(ctx, hb)
		require.NoError(t, err)
	}

	online, err := s.List(ctx, model.StatusOnline, t0)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "fresh", online[0].ID)

	offline, err := s.List(ctx, model.StatusOffline, t0)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "stale", offline[0].ID)

	all, err := s.List(ctx, "", t0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.List(ctx, "idle", t0)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
