package withdrawal

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TransactionIDPattern matches ids from NewTransactionID, e.g.
// TXNLX2K9Q1A-3F9A0B.
var TransactionIDPattern = regexp.MustCompile(`^TXN[0-9A-Z]+-[0-9A-F]{6}$`)

// NewTransactionID builds "TXN" + base36 milliseconds + "-" + 6 random
// hex digits, all uppercase. Randomness lowers collision odds; uniqueness
// itself is enforced by the store.
func NewTransactionID(now time.Time) (string, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	ts := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	return "TXN" + ts + "-" + strings.ToUpper(hex.EncodeToString(buf[:])), nil
}
