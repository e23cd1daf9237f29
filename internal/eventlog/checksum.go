package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// DomainEvent separates event checksums from any other hash in the system.
const DomainEvent = "tessera/event/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeChecksum returns the checksum of every field of e except Checksum.
func ComputeChecksum(e Event) (string, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"event_id":  strconv.FormatUint(e.ID, 10),
		"ticket_id": e.TicketID,
		"type":      string(e.Type),
		"timestamp": e.Timestamp,
		"payload":   payload,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize event %d: %w", e.ID, err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// Verify reports whether e carries a checksum matching its contents.
func (e Event) Verify() bool {
	sum, err := ComputeChecksum(e)
	return err == nil && sum == e.Checksum
}
