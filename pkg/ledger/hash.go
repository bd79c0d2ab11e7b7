package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// ComputeEventHash returns the hex SHA-256 link for one event.
// A nil prevHash contributes nothing.
func ComputeEventHash(traceID string, eventType contracts.EventType, ts time.Time, canonicalPayload []byte, prevHash *string) string {
	h := sha256.New()
	h.Write([]byte(traceID))
	h.Write([]byte(eventType))
	h.Write([]byte(contracts.FormatTimestamp(ts)))
	h.Write(canonicalPayload)
	if prevHash != nil {
		h.Write([]byte(*prevHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AuditID derives the event id from its trace, timestamp, and per-trace
// sequence. The sequence keeps ids distinct when timestamps collide.
func AuditID(traceID string, ts time.Time, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(traceID))
	h.Write([]byte{0})
	h.Write([]byte(contracts.FormatTimestamp(ts)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	return "AUD-" + hex.EncodeToString(h.Sum(nil))[:20]
}
