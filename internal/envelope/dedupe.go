package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Dedupe strategies, recorded on the inbox row so a key can always be
// traced back to the ladder tier that produced it.
const (
	StrategyIdempotencyKey = "idempotency_key"
	StrategyEventID        = "event_id"
	StrategyContentHash    = "content_hash"
)

// placeholderEventIDs are event ids some providers emit when they have
// nothing better; they carry no identity and never qualify for tier 2.
var placeholderEventIDs = map[string]bool{
	"":            true,
	"unknown":     true,
	"none":        true,
	"placeholder": true,
}

// DedupeKey derives the stable dedupe key and the strategy that produced
// it. Ladder, first hit wins:
//
//  1. idem:{channel}:{endpoint}:{idempotency_key}
//  2. event:{channel}:{provider}:{endpoint}:{external_event_id}
//     (requires a non-placeholder event id and a non-empty sender)
//  3. hash:{channel}:{endpoint}:{sender}:{YYYYMMDDHH}:{sha256(text:sender)[:16]}
func (e *Envelope) DedupeKey() (string, string) {
	if k := e.Control.IdempotencyKey; k != "" {
		return fmt.Sprintf("idem:%s:%s:%s", e.Source.Channel, e.Source.EndpointIdentity, k), StrategyIdempotencyKey
	}

	eventID := strings.TrimSpace(e.Event.ExternalEventID)
	if !placeholderEventIDs[strings.ToLower(eventID)] && e.Sender.Identity != "" {
		return fmt.Sprintf("event:%s:%s:%s:%s",
			e.Source.Channel, e.Source.Provider, e.Source.EndpointIdentity, eventID), StrategyEventID
	}

	bucket := e.Event.ObservedAt.UTC().Format("2006010215")
	sum := sha256.Sum256([]byte(e.Payload.NormalizedText + ":" + e.Sender.Identity))
	return fmt.Sprintf("hash:%s:%s:%s:%s:%s",
		e.Source.Channel, e.Source.EndpointIdentity, e.Sender.Identity,
		bucket, hex.EncodeToString(sum[:])[:16]), StrategyContentHash
}

// AdvisoryLockKey maps a dedupe key onto the 64-bit space Postgres
// advisory locks accept. Only writers holding the same dedupe key
// contend; the mapping must therefore be stable across processes and
// releases, which sha256 guarantees and hash/maphash would not.
func AdvisoryLockKey(dedupeKey string) int64 {
	sum := sha256.Sum256([]byte(dedupeKey))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
