// Package journal records every settlement attempt as an append-only entry
// with a content digest over its canonical JSON form.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

// Entry is one line of the transaction journal.
type Entry struct {
	ID           string          `json:"id"`
	ObligationID string          `json:"obligation_id"`
	ContractID   string          `json:"contract_id"`
	GiverID      string          `json:"giver_id"`
	TakerID      string          `json:"taker_id"`
	AssetID      string          `json:"asset_id"`
	Scheduled    decimal.Decimal `json:"amount_scheduled"`
	Given        decimal.Decimal `json:"amount_given"`
	Causal       string          `json:"causal"`
	At           time.Time       `json:"at"`
	Digest       string          `json:"digest,omitempty"`
}

// Defaulted reports whether less than the scheduled amount changed hands.
func (e Entry) Defaulted() bool { return e.Given.LessThan(e.Scheduled) }

// Sink persists journal entries. Store transactions implement it.
type Sink interface {
	AppendJournal(ctx context.Context, e Entry) error
}

// Digest returns "sha256:<hex>" over the canonical JSON of the entry with the
// digest field cleared.
func Digest(e Entry) (string, error) {
	e.Digest = ""
	e.At = e.At.UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize journal entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest of a stored entry.
func Verify(e Entry) error {
	want, err := Digest(e)
	if err != nil {
		return err
	}
	if e.Digest != want {
		return fmt.Errorf("journal entry %s: digest mismatch", e.ID)
	}
	return nil
}

// Record stamps the digest and appends the entry.
func Record(ctx context.Context, sink Sink, e Entry) (Entry, error) {
	digest, err := Digest(e)
	if err != nil {
		return Entry{}, err
	}
	e.Digest = digest
	if err := sink.AppendJournal(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("append journal: %w", err)
	}
	return e, nil
}
