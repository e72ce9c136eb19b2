package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
)

func TestEntryRecorded(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e := events.EntryRecorded(commission.LedgerEntry{
		ID:          "e1",
		AffiliateID: "lin@example.com",
		OrderID:     "o1",
		Type:        commission.EntryCorrection,
		Commission:  commission.Money{Amount: decimal.RequireFromString("-10.00"), Currency: commission.CurrencyUSD},
		CreatedAt:   at,
	})
	assert.Equal(t, events.CommissionCorrected, e.Type)
	assert.Equal(t, "-10.00", e.Amount)

	raw, err := e.Marshal()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "commission.corrected", decoded["type"])
	assert.Equal(t, "o1", decoded["order_id"])
	assert.NotContains(t, decoded, "settlement_id")
}

func TestSettlementChanged(t *testing.T) {
	s := commission.Settlement{ID: "s1", AffiliateID: "a", Status: commission.SettlementFailed, FailureReason: "declined"}
	e, ok := events.SettlementChanged(s)
	require.True(t, ok)
	assert.Equal(t, events.SettlementFailed, e.Type)
	assert.Equal(t, "declined", e.Reason)

	s.Status = commission.SettlementProcessing
	_, ok = events.SettlementChanged(s)
	assert.False(t, ok)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := &events.Recorder{}
	require.NoError(t, r.Publish(ctx, events.Event{Type: events.SettlementCreated}))
	require.NoError(t, r.Publish(ctx, events.Event{Type: events.CommissionAccrued}))

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(events.CommissionAccrued), 1)
}

func TestKafkaPublisher_Topic(t *testing.T) {
	_, err := events.NewKafkaPublisher(nil, "")
	assert.Error(t, err)

	p, err := events.NewKafkaPublisher([]string{"localhost:9092"}, "commission")
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "commission.settlement.failed", p.Topic(events.SettlementFailed))
}
