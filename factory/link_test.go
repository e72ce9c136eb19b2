package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func TestParseLink(t *testing.T) {
	f := NewLinkFactory()

	in, err := f.ParseLink(`{
		"affiliate_id": "lin@example.com",
		"code": "lin10",
		"discount": {"type": "percentage", "value": "10"},
		"commission_rate": "0.10",
		"usage_limit": 500,
		"expires_at": "2025-12-31"
	}`)
	require.NoError(t, err)

	assert.Equal(t, commission.AffiliateID("lin@example.com"), in.AffiliateID)
	assert.Equal(t, "lin10", in.Code, "normalization is the registry's job")
	assert.Equal(t, commission.DiscountPercentage, in.Discount.Type)
	assert.Equal(t, "10", in.Discount.Value.String())
	assert.Equal(t, "0.1", in.CommissionRate.String())
	require.NotNil(t, in.UsageLimit)
	assert.Equal(t, 500, *in.UsageLimit)
	require.NotNil(t, in.ExpiresAt)
	assert.Equal(t, "2025-12-31T00:00:00Z", in.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
}

func TestParseLink_Rejects(t *testing.T) {
	f := NewLinkFactory()
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"affiliate_id":`},
		{"unknown field", `{"affiliate_id":"a","commission_rate":"0.1","bonus":1}`},
		{"missing affiliate", `{"commission_rate":"0.1"}`},
		{"rate not a number", `{"affiliate_id":"a","commission_rate":"ten"}`},
		{"rate above one", `{"affiliate_id":"a","commission_rate":"1.2"}`},
		{"negative limit", `{"affiliate_id":"a","commission_rate":"0.1","usage_limit":-1}`},
		{"bad expiry", `{"affiliate_id":"a","commission_rate":"0.1","expires_at":"next week"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseLink(tt.json)
			assert.Error(t, err)
		})
	}
}

func TestPresets_RoundTrip(t *testing.T) {
	f := NewLinkFactory()

	in, err := f.ParseLink(PercentOffJSON("kai", "KAI15", "15", "0.12", 100))
	require.NoError(t, err)
	assert.Equal(t, "0.12", in.CommissionRate.String())
	assert.Equal(t, 100, *in.UsageLimit)

	in, err = f.ParseLink(TrackingLinkJSON("kai", "", "https://shop.example.com", "0.05"))
	require.NoError(t, err)
	assert.Equal(t, commission.DiscountNone, in.Discount.Type)
	assert.Nil(t, in.UsageLimit)
	assert.Empty(t, in.Code)
}
