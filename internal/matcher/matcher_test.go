package matcher_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/matcher"
)

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func scored(category string, score int, discount, price float64) domain.ScoredDeal {
	return domain.ScoredDeal{
		Deal:     domain.ExtractedDealData{ASIN: "A", Category: category, CurrentPrice: price},
		Score:    score,
		Discount: discount,
	}
}

func TestMatches_ScoreBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	rule := &domain.AutomationRule{MinScore: 60, Categories: []string{"Electronics"}}

	at := scored("Electronics", 60, 0, 10)
	below := scored("Electronics", 59, 0, 10)

	assert.True(t, matcher.Matches(rule, &at))
	assert.False(t, matcher.Matches(rule, &below))
}

func TestMatches_DiscountAndPriceRule(t *testing.T) {
	t.Parallel()

	rule := &domain.AutomationRule{
		MinDiscount: 20,
		MaxPrice:    floatPtr(100),
		Categories:  []string{"Electronics"},
	}

	tests := []struct {
		name string
		deal domain.ScoredDeal
		want bool
	}{
		{"discount too small", scored("Electronics", 50, 18, 90), false},
		{"discount and price fit", scored("Electronics", 50, 25, 90), true},
		{"price too high", scored("Electronics", 50, 25, 150), false},
		{"price at cap", scored("Electronics", 50, 20, 100), true},
		{"other category", scored("Toys", 50, 25, 90), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, matcher.Matches(rule, &tt.deal))
		})
	}
}

func TestMatches_MinRating(t *testing.T) {
	t.Parallel()

	rule := &domain.AutomationRule{MinRating: intPtr(40), Categories: []string{"c"}}

	noRating := scored("c", 0, 0, 1)
	assert.False(t, matcher.Matches(rule, &noRating), "unrated deals fail a rating filter")

	atBound := scored("c", 0, 0, 1)
	atBound.Deal.Rating = floatPtr(4.0)
	assert.True(t, matcher.Matches(rule, &atBound))

	below := scored("c", 0, 0, 1)
	below.Deal.Rating = floatPtr(3.9)
	assert.False(t, matcher.Matches(rule, &below))
}

func TestSelectForRule_OrdersByScoreAndCaps(t *testing.T) {
	t.Parallel()

	rule := &domain.AutomationRule{MinScore: 10, Categories: []string{"c"}}
	candidates := []domain.ScoredDeal{
		scored("c", 30, 5, 1),
		scored("c", 90, 5, 1),
		scored("c", 5, 5, 1),
		scored("c", 60, 5, 1),
		scored("c", 60, 9, 1),
	}

	got := matcher.SelectForRule(rule, candidates, 3)
	require.Len(t, got, 3)
	assert.Equal(t, 90, got[0].Score)
	assert.Equal(t, 60, got[1].Score)
	assert.InDelta(t, 9.0, got[1].Discount, 1e-9, "ties break on discount")
	assert.Equal(t, 60, got[2].Score)

	all := matcher.SelectForRule(rule, candidates, 0)
	assert.Len(t, all, 4, "default cap keeps every match here")
}

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		deal domain.ExtractedDealData
		want int
	}{
		{name: "no signals", deal: domain.ExtractedDealData{}, want: 0},
		{
			name: "everything maxed",
			deal: domain.ExtractedDealData{
				PriceDropPercent: floatPtr(70),
				Rating:           floatPtr(5),
				SalesRank:        intPtr(10),
				IsLowestEver:     true,
				DealType:         domain.DealTypeLightning,
				Coupon:           &domain.Coupon{Value: 5, Type: domain.CouponFixed},
			},
			want: 100,
		},
		{
			name: "mixed",
			deal: domain.ExtractedDealData{
				PriceDropPercent: floatPtr(25),
				Rating:           floatPtr(4.5),
				SalesRank:        intPtr(5000),
				IsLowest30:       true,
				DealType:         domain.DealTypePriceDrop,
			},
			// 20 + 18 + 10 + 5 + 6
			want: 59,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, matcher.Score(&tt.deal))
		})
	}
}

func TestDiscount(t *testing.T) {
	t.Parallel()

	fromAverage := domain.ExtractedDealData{PriceDropPercent: floatPtr(12.5), ListPrice: floatPtr(200), CurrentPrice: 100}
	assert.InDelta(t, 12.5, matcher.Discount(&fromAverage), 1e-9)

	fromList := domain.ExtractedDealData{ListPrice: floatPtr(100), CurrentPrice: 75}
	assert.InDelta(t, 25.0, matcher.Discount(&fromList), 1e-9)

	priceRose := domain.ExtractedDealData{PriceDropPercent: floatPtr(-8)}
	assert.Zero(t, matcher.Discount(&priceRose))

	ranked := matcher.Rank([]domain.ExtractedDealData{fromList})
	require.Len(t, ranked, 1)
	assert.InDelta(t, 25.0, ranked[0].Discount, 1e-9)
	assert.Equal(t, matcher.Score(&fromList), ranked[0].Score)
}
