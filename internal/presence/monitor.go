package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"vpn-console/internal/feed"
	"vpn-console/internal/model"
)

// Gauge receives the number of accounts per effective status.
type Gauge interface {
	SetPresence(status model.AccountStatus, count int)
}

type tracked struct {
	status    model.AccountStatus
	lastSeen  *time.Time
	effective model.AccountStatus
}

// Monitor keeps the effective status of every account it has seen and
// reports transitions. It reads the accounts feed and never writes to the
// store.
type Monitor struct {
	mu       sync.Mutex
	accounts map[string]*tracked

	window   time.Duration
	interval time.Duration
	now      func() time.Time

	onChange func(model.PresenceChange)
	reload   func(context.Context) ([]model.Account, error)
	gauge    Gauge
	logger   logrus.FieldLogger
}

type MonitorOptions struct {
	Window   time.Duration
	Interval time.Duration
	Now      func() time.Time
	// OnChange is called outside the monitor's lock.
	OnChange func(model.PresenceChange)
	// Reload reads every account from the store. Run calls it after
	// subscribing and again whenever the feed drops the subscription.
	Reload func(context.Context) ([]model.Account, error)
	Gauge  Gauge
	Logger logrus.FieldLogger
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Monitor{
		accounts: make(map[string]*tracked),
		window:   opts.Window,
		interval: opts.Interval,
		now:      opts.Now,
		onChange: opts.OnChange,
		reload:   opts.Reload,
		gauge:    opts.Gauge,
		logger:   opts.Logger.WithField("component", "presence"),
	}
}

// Seed loads the starting set of accounts without reporting transitions.
func (m *Monitor) Seed(accounts []model.Account) {
	now := m.now()
	m.mu.Lock()
	for _, acc := range accounts {
		m.accounts[acc.ID] = &tracked{
			status:    acc.Status,
			lastSeen:  acc.LastSeen,
			effective: ResolveAccount(acc, now, m.window),
		}
	}
	m.mu.Unlock()
	m.publishGauge()
}

// Observe applies an account change and re-resolves that account.
func (m *Monitor) Observe(acc model.Account) {
	now := m.now()
	effective := ResolveAccount(acc, now, m.window)

	m.mu.Lock()
	t, ok := m.accounts[acc.ID]
	if !ok {
		t = &tracked{effective: model.StatusOffline}
		m.accounts[acc.ID] = t
	}
	t.status = acc.Status
	t.lastSeen = acc.LastSeen
	from := t.effective
	t.effective = effective
	m.mu.Unlock()

	if !ok || from != effective {
		m.publishGauge()
	}
	if from != effective {
		m.report(model.PresenceChange{DeviceID: acc.ID, From: from, To: effective})
	}
}

// Resync replaces the tracked state with a full account listing and
// reports every effective status that differs from what was tracked.
func (m *Monitor) Resync(accounts []model.Account) []model.PresenceChange {
	now := m.now()
	var changes []model.PresenceChange

	m.mu.Lock()
	for _, acc := range accounts {
		effective := ResolveAccount(acc, now, m.window)
		t, ok := m.accounts[acc.ID]
		if !ok {
			t = &tracked{effective: model.StatusOffline}
			m.accounts[acc.ID] = t
		}
		t.status = acc.Status
		t.lastSeen = acc.LastSeen
		if t.effective != effective {
			changes = append(changes, model.PresenceChange{DeviceID: acc.ID, From: t.effective, To: effective})
			t.effective = effective
		}
	}
	m.mu.Unlock()

	m.publishGauge()
	for _, c := range changes {
		m.report(c)
	}
	return changes
}

// Reevaluate re-resolves every tracked account at now. Heartbeats age out
// here; nothing else would notice a device that simply stopped reporting.
func (m *Monitor) Reevaluate(now time.Time) []model.PresenceChange {
	var changes []model.PresenceChange

	m.mu.Lock()
	for id, t := range m.accounts {
		effective := Resolve(t.status, t.lastSeen, now, m.window)
		if effective != t.effective {
			changes = append(changes, model.PresenceChange{DeviceID: id, From: t.effective, To: effective})
			t.effective = effective
		}
	}
	m.mu.Unlock()

	if len(changes) > 0 {
		m.publishGauge()
	}
	for _, c := range changes {
		m.report(c)
	}
	return changes
}

func (m *Monitor) Effective(id string) (model.AccountStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.accounts[id]
	if !ok {
		return "", false
	}
	return t.effective, true
}

func (m *Monitor) Counts() map[model.AccountStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[model.AccountStatus]int{
		model.StatusOnline:       0,
		model.StatusOffline:      0,
		model.StatusBanned:       0,
		model.StatusVPNConnected: 0,
	}
	for _, t := range m.accounts {
		counts[t.effective]++
	}
	return counts
}

func (m *Monitor) publishGauge() {
	if m.gauge == nil {
		return
	}
	for status, n := range m.Counts() {
		m.gauge.SetPresence(status, n)
	}
}

func (m *Monitor) report(c model.PresenceChange) {
	m.logger.WithFields(logrus.Fields{
		"device_id": c.DeviceID,
		"from":      c.From,
		"to":        c.To,
	}).Debug("presence changed")
	if m.onChange != nil {
		m.onChange(c)
	}
}

// Run consumes account changes from f and re-resolves on every tick until
// ctx is done. The subscription is opened before the first reload so no
// write falls between the two; a dropped subscription is re-established
// and followed by another reload.
func (m *Monitor) Run(ctx context.Context, f *feed.Feed) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	sub := f.Subscribe(model.CollectionAccounts, nil)
	defer func() { sub.Cancel() }()
	stale := !m.sync(ctx, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if stale {
				stale = !m.sync(ctx, false)
			}
			m.Reevaluate(m.now())
		case ev, ok := <-sub.C:
			if !ok {
				m.logger.Warn("presence subscription dropped, resubscribing")
				sub = f.Subscribe(model.CollectionAccounts, nil)
				stale = !m.sync(ctx, false)
				continue
			}
			if ev.Account != nil {
				m.Observe(*ev.Account)
			}
		}
	}
}

// sync reloads every account. The first load seeds silently; later loads
// report what changed while events were missed. It returns false when the
// reload failed and must be retried.
func (m *Monitor) sync(ctx context.Context, initial bool) bool {
	if m.reload == nil {
		return true
	}
	accounts, err := m.reload(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Warn("presence reload failed, retrying on next tick")
		}
		return false
	}
	if initial {
		m.Seed(accounts)
	} else {
		m.Resync(accounts)
	}
	return true
}

// PublishTo returns an OnChange callback that pushes transitions to the
// feed's presence collection.
func PublishTo(f *feed.Feed) func(model.PresenceChange) {
	return func(c model.PresenceChange) {
		change := c
		f.Publish(model.ChangeEvent{
			Collection: model.CollectionPresence,
			DocumentID: c.DeviceID,
			Presence:   &change,
		})
	}
}
