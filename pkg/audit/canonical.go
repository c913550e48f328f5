package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// DefaultHashFunction is SHA-256 over the canonical bytes, hex encoded.
func DefaultHashFunction(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var _ contracts.HashFunction = DefaultHashFunction

// canonicalEnvelope is the exact byte layout fed to the hash function. The
// previous hash is part of the envelope, which is what chains the log. JSON
// field order does not matter because the envelope is JCS-transformed before
// hashing; metadata keys sort during that transform.
type canonicalEnvelope struct {
	EventID                string            `json:"event_id"`
	EventType              string            `json:"event_type"`
	Action                 string            `json:"action"`
	Outcome                string            `json:"outcome"`
	Timestamp              string            `json:"timestamp"`
	ActorID                string            `json:"actor_id"`
	ActorType              string            `json:"actor_type"`
	ResourceID             string            `json:"resource_id"`
	ResourceType           string            `json:"resource_type"`
	ResourceClassification string            `json:"resource_classification"`
	TenantID               string            `json:"tenant_id"`
	CorrelationID          string            `json:"correlation_id"`
	SessionID              string            `json:"session_id"`
	IPAddress              string            `json:"ip_address"`
	UserAgent              string            `json:"user_agent"`
	Reason                 string            `json:"reason"`
	Metadata               map[string]string `json:"metadata"`
	SequenceNumber         int64             `json:"sequence_number"`
	PreviousEventHash      string            `json:"previous_event_hash"`
}

func nfc(s string) string {
	return norm.NFC.String(s)
}

// CanonicalBytes serialises the hashable view of an event. Strings are NFC
// normalised so visually identical text always hashes identically.
func CanonicalBytes(e *Event, previousHash string) ([]byte, error) {
	env := canonicalEnvelope{
		EventID:                nfc(e.EventID),
		EventType:              string(e.EventType),
		Action:                 nfc(e.Action),
		Outcome:                string(e.Outcome),
		Timestamp:              e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:                nfc(e.ActorID),
		ActorType:              nfc(e.ActorType),
		ResourceID:             nfc(e.ResourceID),
		ResourceType:           nfc(e.ResourceType),
		ResourceClassification: string(e.ResourceClassification),
		TenantID:               nfc(e.TenantID),
		CorrelationID:          nfc(e.CorrelationID),
		SessionID:              nfc(e.SessionID),
		IPAddress:              nfc(e.IPAddress),
		UserAgent:              nfc(e.UserAgent),
		Reason:                 nfc(e.Reason),
		SequenceNumber:         e.SequenceNumber,
		PreviousEventHash:      previousHash,
	}
	if len(e.Metadata) > 0 {
		env.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			env.Metadata[nfc(k)] = nfc(v)
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform: %w", err)
	}
	return canonical, nil
}

// ComputeEventHash is the chain step: hash of the canonical event bytes
// including the previous hash.
func ComputeEventHash(e *Event, previousHash string, hash contracts.HashFunction) (string, error) {
	if hash == nil {
		hash = DefaultHashFunction
	}
	canonical, err := CanonicalBytes(e, previousHash)
	if err != nil {
		return "", err
	}
	return hash(canonical), nil
}
