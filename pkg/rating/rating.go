// Package rating keeps a credit rating per participant and moves it after
// every settled or defaulted obligation the participant had to pay.
package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	Initial    = decimal.NewFromInt(85)
	Ceiling    = decimal.NewFromInt(100)
	Floor      = decimal.Zero
	MaxGain    = decimal.NewFromInt(2)
	Penalty    = decimal.NewFromInt(10)
	ratioScale = int32(4)
)

// ErrNotFound is returned by a Repository for a participant with no rating yet.
var ErrNotFound = errors.New("rating not found")

// Rating is the current credit rating of a participant.
type Rating struct {
	ParticipantID string          `json:"participant_id"`
	Value         decimal.Decimal `json:"value"`
	Newbie        bool            `json:"newbie"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LogEntry records one rating change.
type LogEntry struct {
	ParticipantID string          `json:"participant_id"`
	ObligationID  string          `json:"obligation_id"`
	Delta         decimal.Decimal `json:"delta"`
	Value         decimal.Decimal `json:"value"`
	At            time.Time       `json:"at"`
}

// Repository persists ratings. Store transactions implement it.
type Repository interface {
	GetRating(ctx context.Context, participantID string) (Rating, error)
	PutRating(ctx context.Context, r Rating) error
	AppendRatingLog(ctx context.Context, e LogEntry) error
}

// New returns the rating every participant starts with.
func New(participantID string, at time.Time) Rating {
	return Rating{ParticipantID: participantID, Value: Initial, Newbie: true, UpdatedAt: at}
}

// Gain is the reward for paying amount while remaining is left over:
// min(2, 2 * amount / remaining), or 2 when nothing is left.
func Gain(amount, remaining decimal.Decimal) decimal.Decimal {
	if !remaining.IsPositive() {
		return MaxGain
	}
	g := MaxGain.Mul(amount.DivRound(remaining, ratioScale))
	return decimal.Min(MaxGain, g)
}

// Apply moves r by delta inside [Floor, Ceiling] and returns the applied delta.
func Apply(r *Rating, delta decimal.Decimal, at time.Time) decimal.Decimal {
	next := decimal.Min(Ceiling, decimal.Max(Floor, r.Value.Add(delta)))
	applied := next.Sub(r.Value)
	r.Value = next
	r.Newbie = false
	r.UpdatedAt = at
	return applied
}

// Settled rewards a payer for an obligation paid in full.
func Settled(ctx context.Context, repo Repository, participantID, obligationID string, amount, remaining decimal.Decimal, at time.Time) (LogEntry, error) {
	return adjust(ctx, repo, participantID, obligationID, Gain(amount, remaining), at)
}

// Defaulted penalises a payer for a missed obligation.
func Defaulted(ctx context.Context, repo Repository, participantID, obligationID string, at time.Time) (LogEntry, error) {
	return adjust(ctx, repo, participantID, obligationID, Penalty.Neg(), at)
}

func adjust(ctx context.Context, repo Repository, participantID, obligationID string, delta decimal.Decimal, at time.Time) (LogEntry, error) {
	r, err := repo.GetRating(ctx, participantID)
	if errors.Is(err, ErrNotFound) {
		r = New(participantID, at)
	} else if err != nil {
		return LogEntry{}, fmt.Errorf("load rating of %s: %w", participantID, err)
	}
	applied := Apply(&r, delta, at)
	if err := repo.PutRating(ctx, r); err != nil {
		return LogEntry{}, fmt.Errorf("save rating of %s: %w", participantID, err)
	}
	entry := LogEntry{
		ParticipantID: participantID,
		ObligationID:  obligationID,
		Delta:         applied,
		Value:         r.Value,
		At:            at,
	}
	if err := repo.AppendRatingLog(ctx, entry); err != nil {
		return LogEntry{}, fmt.Errorf("append rating log: %w", err)
	}
	return entry, nil
}
