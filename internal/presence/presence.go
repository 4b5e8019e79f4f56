// Package presence derives the status an operator sees from the label a
// device last reported and how long ago it reported it.
package presence

import (
	"time"

	"vpn-console/internal/model"
)

const DefaultWindow = 5 * time.Minute

// Resolve returns the effective status. Rules, first match wins: a ban
// always shows; vpn_connected and online need a heartbeat within window;
// everything else is offline. A lastSeen in the future counts as fresh.
func Resolve(status model.AccountStatus, lastSeen *time.Time, now time.Time, window time.Duration) model.AccountStatus {
	if status == model.StatusBanned {
		return model.StatusBanned
	}
	fresh := lastSeen != nil && now.Sub(*lastSeen) <= window
	switch {
	case status == model.StatusVPNConnected && fresh:
		return model.StatusVPNConnected
	case status == model.StatusOnline && fresh:
		return model.StatusOnline
	}
	return model.StatusOffline
}

// ResolveAccount is Resolve applied to a stored account.
func ResolveAccount(acc model.Account, now time.Time, window time.Duration) model.AccountStatus {
	return Resolve(acc.Status, acc.LastSeen, now, window)
}
