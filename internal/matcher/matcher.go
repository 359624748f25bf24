// Package matcher evaluates scored deals against automation rule filters.
// Every comparison is inclusive.
package matcher

import (
	"cmp"
	"slices"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

// DefaultMaxDeals caps how many deals one rule publishes per run.
const DefaultMaxDeals = 5

// Matches reports whether deal passes every filter on rule. A deal without
// a rating fails a rule that sets MinRating.
func Matches(rule *domain.AutomationRule, deal *domain.ScoredDeal) bool {
	if deal.Score < rule.MinScore {
		return false
	}
	if deal.Discount < rule.MinDiscount {
		return false
	}
	if rule.MaxPrice != nil && deal.Deal.CurrentPrice > *rule.MaxPrice {
		return false
	}
	if rule.MinRating != nil {
		if deal.Deal.Rating == nil || *deal.Deal.Rating*10 < float64(*rule.MinRating) {
			return false
		}
	}
	return rule.HasCategory(deal.Deal.Category)
}

// SelectForRule returns the deals matching rule, best score first, at most
// maxDeals of them (DefaultMaxDeals when maxDeals <= 0).
func SelectForRule(rule *domain.AutomationRule, candidates []domain.ScoredDeal, maxDeals int) []domain.ScoredDeal {
	if maxDeals <= 0 {
		maxDeals = DefaultMaxDeals
	}

	var matched []domain.ScoredDeal
	for i := range candidates {
		if Matches(rule, &candidates[i]) {
			matched = append(matched, candidates[i])
		}
	}

	slices.SortStableFunc(matched, func(a, b domain.ScoredDeal) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Discount, a.Discount)
	})

	if len(matched) > maxDeals {
		matched = matched[:maxDeals]
	}
	return matched
}
