package model

import "time"

type AccountStatus string

const (
	StatusOnline       AccountStatus = "online"
	StatusOffline      AccountStatus = "offline"
	StatusBanned       AccountStatus = "banned"
	StatusVPNConnected AccountStatus = "vpn_connected"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBanned, StatusVPNConnected:
		return true
	}
	return false
}

// Account is one device record. Balance is a cache of the sum of the
// account's points entries in the activity log.
type Account struct {
	ID                  string        `json:"id"`
	Balance             int64         `json:"balance"`
	VPNRemainingSeconds int64         `json:"vpnRemainingSeconds"`
	Status              AccountStatus `json:"status"`
	BanReason           string        `json:"banReason,omitempty"`
	LastSeen            *time.Time    `json:"lastSeen,omitempty"`
	DataUsage           int64         `json:"dataUsage"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

type PayoutMethod string

const (
	MethodKBZPay  PayoutMethod = "kbzpay"
	MethodWavePay PayoutMethod = "wavepay"
)

func (m PayoutMethod) Valid() bool {
	return m == MethodKBZPay || m == MethodWavePay
}

type Withdrawal struct {
	ID               string           `json:"id"`
	DeviceID         string           `json:"deviceId"`
	Points           int64            `json:"points"`
	Method           PayoutMethod     `json:"method"`
	AccountNumber    string           `json:"accountNumber"`
	AccountName      string           `json:"accountName"`
	Status           WithdrawalStatus `json:"status"`
	TransactionID    string           `json:"transactionId,omitempty"`
	ReceiptReference string           `json:"receiptReference,omitempty"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	ProcessedBy      string           `json:"processedBy,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	ProcessedAt      *time.Time       `json:"processedAt,omitempty"`
}

type ActivityType string

const (
	ActivityAdReward        ActivityType = "ad_reward"
	ActivityWithdrawal      ActivityType = "withdrawal"
	ActivityAdminAdjustment ActivityType = "admin_adjustment"
)

// Ledger names the quantity an activity entry moved.
type Ledger string

const (
	LedgerPoints     Ledger = "points"
	LedgerVPNSeconds Ledger = "vpn_seconds"
)

type ActivityLogEntry struct {
	ID             string       `json:"id"`
	DeviceID       string       `json:"deviceId"`
	Seq            int64        `json:"seq"`
	Type           ActivityType `json:"type"`
	Ledger         Ledger       `json:"ledger"`
	Description    string       `json:"description"`
	Amount         int64        `json:"amount"`
	ResultAfter    int64        `json:"resultAfter"`
	Actor          string       `json:"actor,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

type VPNTimeMode string

const (
	VPNTimeAdd    VPNTimeMode = "add"
	VPNTimeDeduct VPNTimeMode = "deduct"
	VPNTimeSet    VPNTimeMode = "set"
)

func (m VPNTimeMode) Valid() bool {
	return m == VPNTimeAdd || m == VPNTimeDeduct || m == VPNTimeSet
}

// ApplyVPNTime computes the new quota for a mode. Deductions clamp at zero.
func ApplyVPNTime(current int64, mode VPNTimeMode, seconds int64) int64 {
	switch mode {
	case VPNTimeAdd:
		return current + seconds
	case VPNTimeDeduct:
		if seconds >= current {
			return 0
		}
		return current - seconds
	case VPNTimeSet:
		return seconds
	}
	return current
}

// Heartbeat is what a device reports on check-in.
type Heartbeat struct {
	DeviceID  string        `json:"deviceId"`
	Status    AccountStatus `json:"status"`
	DataUsage int64         `json:"dataUsage"`
	At        time.Time     `json:"at"`
}

type Collection string

const (
	CollectionAccounts    Collection = "accounts"
	CollectionWithdrawals Collection = "withdrawals"
	CollectionActivity    Collection = "activity_logs"
	CollectionPresence    Collection = "presence"
)

// ChangeEvent is pushed to feed subscribers after a document changes.
// Exactly one of the document fields is set, matching Collection.
type ChangeEvent struct {
	Collection Collection `json:"collection"`
	DocumentID string     `json:"documentId"`
	Origin     string     `json:"origin"`
	At         time.Time  `json:"at"`

	Account    *Account          `json:"account,omitempty"`
	Withdrawal *Withdrawal       `json:"withdrawal,omitempty"`
	Activity   *ActivityLogEntry `json:"activity,omitempty"`
	Presence   *PresenceChange   `json:"presence,omitempty"`
}

type PresenceChange struct {
	DeviceID string        `json:"deviceId"`
	From     AccountStatus `json:"from"`
	To       AccountStatus `json:"to"`
}
