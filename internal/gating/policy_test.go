package gating

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	thresholds := Thresholds{
		EnhancedScrutinyAmount: decimal.NewFromInt(10000),
		EnhancedTier:           2,
	}

	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "open sale admits unverified buyer",
			in: Input{
				Buyer:         KYCStatus{State: KYCUnverified},
				RequestedCost: decimal.NewFromInt(100),
			},
			want: DecisionAllow,
		},
		{
			name: "restricted buyer is blocked regardless of tier",
			in: Input{
				Buyer:         KYCStatus{State: KYCVerified, Tier: 3, Restricted: true},
				RequestedCost: decimal.NewFromInt(100),
			},
			want: DecisionBlock,
		},
		{
			name: "rejected verification is blocked, not deferred",
			in: Input{
				Buyer:         KYCStatus{State: KYCRejected},
				RequestedCost: decimal.NewFromInt(100),
			},
			want: DecisionBlock,
		},
		{
			name: "kyc-required sale defers unverified buyer",
			in: Input{
				Buyer:           KYCStatus{State: KYCUnverified},
				SaleRequiresKYC: true,
				RequestedCost:   decimal.NewFromInt(100),
			},
			want: DecisionRequireKYC,
		},
		{
			name: "pending verification is deferred, not blocked",
			in: Input{
				Buyer:           KYCStatus{State: KYCPending, Tier: 1},
				SaleRequiresKYC: true,
				RequestedCost:   decimal.NewFromInt(100),
			},
			want: DecisionRequireKYC,
		},
		{
			name: "verified buyer below sale minimum tier is deferred",
			in: Input{
				Buyer:           KYCStatus{State: KYCVerified, Tier: 1},
				SaleRequiresKYC: true,
				SaleMinTier:     2,
				RequestedCost:   decimal.NewFromInt(100),
			},
			want: DecisionRequireKYC,
		},
		{
			name: "verified buyer at sale minimum tier is admitted",
			in: Input{
				Buyer:           KYCStatus{State: KYCVerified, Tier: 2},
				SaleRequiresKYC: true,
				SaleMinTier:     2,
				RequestedCost:   decimal.NewFromInt(100),
			},
			want: DecisionAllow,
		},
		{
			name: "spend above threshold demands the enhanced tier",
			in: Input{
				Buyer:         KYCStatus{State: KYCVerified, Tier: 1},
				RequestedCost: decimal.NewFromInt(10001),
			},
			want: DecisionRequireKYC,
		},
		{
			name: "spend exactly at threshold does not trigger enhanced scrutiny",
			in: Input{
				Buyer:         KYCStatus{State: KYCUnverified},
				RequestedCost: decimal.NewFromInt(10000),
			},
			want: DecisionAllow,
		},
		{
			name: "enhanced tier satisfies large spends",
			in: Input{
				Buyer:         KYCStatus{State: KYCVerified, Tier: 2},
				RequestedCost: decimal.NewFromInt(50000),
			},
			want: DecisionAllow,
		},
		{
			name: "sale tier above enhanced tier wins",
			in: Input{
				Buyer:           KYCStatus{State: KYCVerified, Tier: 2},
				SaleRequiresKYC: true,
				SaleMinTier:     3,
				RequestedCost:   decimal.NewFromInt(50000),
			},
			want: DecisionRequireKYC,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.in, thresholds))
		})
	}
}

func TestEvaluateDisabledThresholds(t *testing.T) {
	// A zero threshold amount disables enhanced scrutiny entirely.
	got := Evaluate(Input{
		Buyer:         KYCStatus{State: KYCUnverified},
		RequestedCost: decimal.NewFromInt(1000000),
	}, Thresholds{EnhancedTier: 2})
	assert.Equal(t, DecisionAllow, got)
}
