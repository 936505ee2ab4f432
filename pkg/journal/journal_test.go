package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSink struct {
	entries []Entry
	err     error
}

func (s *sliceSink) AppendJournal(_ context.Context, e Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func entry() Entry {
	return Entry{
		ID:           "j1",
		ObligationID: "o1",
		ContractID:   "c1",
		GiverID:      "acme",
		TakerID:      "bank",
		AssetID:      "eur",
		Scheduled:    decimal.NewFromInt(1000),
		Given:        decimal.NewFromInt(1000),
		Causal:       "scheduled payment",
		At:           time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecord_StampsDigest(t *testing.T) {
	sink := &sliceSink{}
	got, err := Record(context.Background(), sink, entry())
	require.NoError(t, err)
	require.Len(t, sink.entries, 1)
	assert.True(t, strings.HasPrefix(got.Digest, "sha256:"))
	assert.Equal(t, got.Digest, sink.entries[0].Digest)
	assert.NoError(t, Verify(sink.entries[0]))
}

func TestDigest_StableAcrossZones(t *testing.T) {
	a := entry()
	b := entry()
	b.At = a.At.In(time.FixedZone("CET", 3600))

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestVerify_DetectsTampering(t *testing.T) {
	e, err := Record(context.Background(), &sliceSink{}, entry())
	require.NoError(t, err)

	e.Given = decimal.NewFromInt(1)
	assert.Error(t, Verify(e))
}

func TestRecord_SinkError(t *testing.T) {
	_, err := Record(context.Background(), &sliceSink{err: errors.New("disk full")}, entry())
	assert.ErrorContains(t, err, "disk full")
}

func TestDefaulted(t *testing.T) {
	e := entry()
	assert.False(t, e.Defaulted())
	e.Given = decimal.Zero
	assert.True(t, e.Defaulted())
}
