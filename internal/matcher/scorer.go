package matcher

import (
	"math"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

// Score weights. The maximum sums to 100.
const (
	maxDiscountPoints  = 40.0
	discountForMax     = 50.0
	maxRatingPoints    = 20.0
	maxRating          = 5.0
	lowestEverPoints   = 10.0
	lowest30Points     = 5.0
	couponPoints       = 5.0
	maxScore           = 100
	topRankThreshold   = 1000
	highRankThreshold  = 10000
	midRankThreshold   = 100000
	topRankPoints      = 15.0
	highRankPoints     = 10.0
	midRankPoints      = 5.0
	lightningPoints    = 10.0
	dealOfTheDayPoints = 8.0
	priceDropPoints    = 6.0
	warehousePoints    = 3.0
)

// Discount returns the deal's discount percentage: the drop against the
// 30-day average when known, otherwise the drop against list price.
// Never negative.
func Discount(d *domain.ExtractedDealData) float64 {
	var pct float64
	switch {
	case d.PriceDropPercent != nil:
		pct = *d.PriceDropPercent
	case d.ListPrice != nil && *d.ListPrice > 0 && d.CurrentPrice > 0:
		pct = (*d.ListPrice - d.CurrentPrice) / *d.ListPrice * 100
	}
	return math.Max(pct, 0)
}

// Score rates a deal from 0 to 100.
func Score(d *domain.ExtractedDealData) int {
	total := math.Min(Discount(d), discountForMax) / discountForMax * maxDiscountPoints

	if d.Rating != nil {
		total += math.Min(math.Max(*d.Rating, 0), maxRating) / maxRating * maxRatingPoints
	}

	if d.SalesRank != nil {
		switch rank := *d.SalesRank; {
		case rank <= topRankThreshold:
			total += topRankPoints
		case rank <= highRankThreshold:
			total += highRankPoints
		case rank <= midRankThreshold:
			total += midRankPoints
		}
	}

	switch {
	case d.IsLowestEver:
		total += lowestEverPoints
	case d.IsLowest30:
		total += lowest30Points
	}

	switch d.DealType {
	case domain.DealTypeLightning:
		total += lightningPoints
	case domain.DealTypeDealOfTheDay:
		total += dealOfTheDayPoints
	case domain.DealTypePriceDrop:
		total += priceDropPoints
	case domain.DealTypeWarehouse:
		total += warehousePoints
	case domain.DealTypeNone:
	}

	if d.Coupon != nil {
		total += couponPoints
	}

	score := int(math.Round(total))
	if score > maxScore {
		return maxScore
	}
	return score
}

// Rank scores every deal.
func Rank(deals []domain.ExtractedDealData) []domain.ScoredDeal {
	out := make([]domain.ScoredDeal, 0, len(deals))
	for i := range deals {
		out = append(out, domain.ScoredDeal{
			Deal:     deals[i],
			Score:    Score(&deals[i]),
			Discount: Discount(&deals[i]),
		})
	}
	return out
}
