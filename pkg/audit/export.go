package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EvidenceBundle is an exportable, hash-sealed slice of the audit log.
// Consumers can verify the seal and the internal chain offline.
type EvidenceBundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   int64     `json:"start_sequence"`
	EndSeq     int64     `json:"end_sequence"`
	EventCount int       `json:"event_count"`
	Events     []*Event  `json:"events"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

const bundleVersion = "1.0.0"

// ExportBundle queries the store and seals the result. Events come back in
// ascending sequence order regardless of the query's ordering so the bundle
// chain reads front to back.
func ExportBundle(ctx context.Context, store Store, query *Query) (*EvidenceBundle, error) {
	q := *query
	q.Ascending = true
	events, err := store.Query(ctx, &q)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no audit events match the export query")
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.NewString(),
		Version:    bundleVersion,
		CreatedAt:  time.Now().UTC(),
		StartSeq:   events[0].SequenceNumber,
		EndSeq:     events[len(events)-1].SequenceNumber,
		EventCount: len(events),
		Events:     events,
		ChainHead:  events[len(events)-1].EventHash,
	}

	sealed, err := json.Marshal(bundle.Events)
	if err != nil {
		return nil, fmt.Errorf("seal bundle: %w", err)
	}
	bundle.BundleHash = DefaultHashFunction(sealed)
	return bundle, nil
}

// VerifyBundle checks the seal and the internal hash chain of a bundle.
func VerifyBundle(bundle *EvidenceBundle) error {
	if bundle == nil || len(bundle.Events) == 0 {
		return fmt.Errorf("bundle is empty")
	}

	sealed, err := json.Marshal(bundle.Events)
	if err != nil {
		return fmt.Errorf("seal bundle: %w", err)
	}
	if DefaultHashFunction(sealed) != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}

	for i := 1; i < len(bundle.Events); i++ {
		if bundle.Events[i].PreviousEventHash != bundle.Events[i-1].EventHash {
			return fmt.Errorf("bundle chain broken at event %d (%s)", i, bundle.Events[i].EventID)
		}
	}
	if bundle.Events[len(bundle.Events)-1].EventHash != bundle.ChainHead {
		return fmt.Errorf("bundle chain head mismatch")
	}
	return nil
}
