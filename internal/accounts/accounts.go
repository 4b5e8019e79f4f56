// Package accounts serves the device records operators browse, with the
// presence status derived at read time, and the ban switch.
package accounts

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"vpn-console/internal/apperr"
	"vpn-console/internal/model"
	"vpn-console/internal/presence"
	"vpn-console/internal/store"
)

// View is an account as an operator sees it. EffectiveStatus is derived,
// never stored.
type View struct {
	model.Account
	EffectiveStatus model.AccountStatus `json:"effectiveStatus"`
}

type Service struct {
	store  store.Store
	window time.Duration
	logger logrus.FieldLogger
}

func New(st store.Store, window time.Duration, logger logrus.FieldLogger) *Service {
	if window <= 0 {
		window = presence.DefaultWindow
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{store: st, window: window, logger: logger.WithField("component", "accounts")}
}

func (s *Service) view(acc model.Account, now time.Time) View {
	return View{Account: acc, EffectiveStatus: presence.ResolveAccount(acc, now, s.window)}
}

func (s *Service) Get(ctx context.Context, id string, now time.Time) (View, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(acc, now), nil
}

// List returns accounts, most recently updated first, optionally limited
// to one effective status.
func (s *Service) List(ctx context.Context, filter model.AccountStatus, now time.Time) ([]View, error) {
	if filter != "" && !filter.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "unknown status "+string(filter))
	}
	list, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(list))
	for _, acc := range list {
		v := s.view(acc, now)
		if filter != "" && v.EffectiveStatus != filter {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) Ban(ctx context.Context, id, reason, actor string, now time.Time) (View, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return View{}, apperr.Validation(apperr.CodeInvalidReason, "ban reason is required")
	}
	acc, err := s.store.SetBan(ctx, id, true, reason, now)
	if err != nil {
		return View{}, err
	}
	s.logger.WithFields(logrus.Fields{"account_id": id, "reason": reason, "actor": actor}).Info("account banned")
	return s.view(acc, now), nil
}

func (s *Service) Unban(ctx context.Context, id, actor string, now time.Time) (View, error) {
	acc, err := s.store.SetBan(ctx, id, false, "", now)
	if err != nil {
		return View{}, err
	}
	s.logger.WithFields(logrus.Fields{"account_id": id, "actor": actor}).Info("account unbanned")
	return s.view(acc, now), nil
}

// CheckIn records a device heartbeat, creating the account on first
// contact. The returned bool reports whether it was created.
func (s *Service) CheckIn(ctx context.Context, hb model.Heartbeat) (View, bool, error) {
	hb.DeviceID = strings.TrimSpace(hb.DeviceID)
	if hb.DeviceID == "" {
		return View{}, false, apperr.Validation(apperr.CodeInvalidRequest, "device id is required")
	}
	if hb.Status != "" && !hb.Status.Valid() {
		return View{}, false, apperr.Validation(apperr.CodeInvalidRequest, "unknown status "+string(hb.Status))
	}
	if hb.DataUsage < 0 {
		return View{}, false, apperr.Validation(apperr.CodeInvalidRequest, "data usage must not be negative")
	}
	acc, created, err := s.store.RecordHeartbeat(ctx, hb)
	if err != nil {
		return View{}, false, err
	}
	if created {
		s.logger.WithField("device_id", acc.ID).Info("device registered")
	}
	return s.view(acc, hb.At), created, nil
}
