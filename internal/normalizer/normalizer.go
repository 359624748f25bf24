// Package normalizer turns raw provider product payloads into structured
// deal facts. It performs no I/O; missing or malformed optional fields
// degrade to nil or false instead of failing.
package normalizer

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

// Indexes into the provider "csv" series array.
const (
	seriesAmazonPrice = 0
	seriesSalesRank   = 3
	seriesListPrice   = 4
	seriesRating      = 16
	seriesReviewCount = 17
)

// Indexes into the provider "stats.current" array.
const (
	currentAmazonPrice = 0
	currentListPrice   = 4
)

const (
	window30 = 30 * 24 * time.Hour
	window90 = 90 * 24 * time.Hour

	// priceDropRatio flags a price under 80% of list as a price drop.
	priceDropRatio = 0.8

	couponTypePercent = 1
	ratingScale       = 10
	maxSnapshotOffers = 5
)

// Extract normalizes one provider product. now anchors the trailing
// price windows.
func Extract(product []byte, now time.Time) domain.ExtractedDealData {
	return extract(gjson.ParseBytes(product), now)
}

func extract(p gjson.Result, now time.Time) domain.ExtractedDealData {
	csv := p.Get("csv")
	prices := parseSeries(csv.Get(strconv.Itoa(seriesAmazonPrice)))

	deal := domain.ExtractedDealData{
		ASIN:        p.Get("asin").String(),
		Title:       p.Get("title").String(),
		Category:    categoryOf(p),
		Subcategory: subcategoryOf(p),
		Brand:       p.Get("brand").String(),
	}

	deal.CurrentPrice = currentPrice(p, prices)
	deal.ListPrice = positiveCurrent(p, currentListPrice)

	s30 := statsSince(prices, now.Add(-window30))
	s90 := statsSince(prices, now.Add(-window90))
	all := statsSince(prices, time.Time{})
	deal.Stats30 = toPriceStats(s30)
	deal.Stats90 = toPriceStats(s90)
	if all.count > 0 {
		deal.MinEver = floatPtr(all.min)
	}

	if deal.Stats30.Avg != nil && *deal.Stats30.Avg > 0 && deal.CurrentPrice > 0 {
		avg := *deal.Stats30.Avg
		deal.PriceDropPercent = floatPtr((avg - deal.CurrentPrice) / avg * 100)
	}
	deal.IsLowestEver = isAtOrBelow(deal.CurrentPrice, deal.MinEver)
	deal.IsLowest30 = isAtOrBelow(deal.CurrentPrice, deal.Stats30.Min)

	if v, ok := latestPositive(parseSeries(csv.Get(strconv.Itoa(seriesSalesRank)))); ok {
		deal.SalesRank = intPtr(int(v))
	}
	if v, ok := latestPositive(parseSeries(csv.Get(strconv.Itoa(seriesRating)))); ok {
		deal.Rating = floatPtr(float64(v) / ratingScale)
	}
	if v, ok := latestPositive(parseSeries(csv.Get(strconv.Itoa(seriesReviewCount)))); ok {
		deal.ReviewCount = intPtr(int(v))
	}

	deal.DealType = classify(p, deal.CurrentPrice, deal.ListPrice)
	deal.DealWindow = dealWindow(p)
	deal.Coupon = coupon(p.Get("coupon"))
	deal.Raw = snapshot(p)

	if lu := p.Get("lastUpdate"); lu.Type == gjson.Number && lu.Int() > 0 {
		t := ProviderTime(lu.Int())
		deal.ProviderLastUpdate = &t
	}

	return deal
}

// currentPrice prefers the live stats slot, then the newest positive
// history entry.
func currentPrice(p gjson.Result, prices []point) float64 {
	if live := positiveCurrent(p, currentAmazonPrice); live != nil {
		return *live
	}
	if v, ok := latestPositive(prices); ok {
		return centsToPrice(v)
	}
	return 0
}

func positiveCurrent(p gjson.Result, idx int) *float64 {
	v := p.Get("stats.current." + strconv.Itoa(idx))
	if v.Type != gjson.Number || v.Int() <= 0 {
		return nil
	}
	return floatPtr(centsToPrice(v.Int()))
}

func categoryOf(p gjson.Result) string {
	root := p.Get("rootCategory")
	switch root.Type {
	case gjson.Number:
		if root.Int() > 0 {
			return strconv.FormatInt(root.Int(), 10)
		}
	case gjson.String:
		return root.String()
	default:
	}
	return ""
}

func subcategoryOf(p gjson.Result) string {
	tree := p.Get("categoryTree")
	if !tree.IsArray() {
		return ""
	}
	nodes := tree.Array()
	if len(nodes) == 0 {
		return ""
	}
	return nodes[len(nodes)-1].Get("name").String()
}

// classify applies deal-type precedence; the first match wins.
func classify(p gjson.Result, current float64, list *float64) domain.DealType {
	switch {
	case p.Get("lightningDeal").IsObject():
		return domain.DealTypeLightning
	case p.Get("isDealOfTheDay").Bool():
		return domain.DealTypeDealOfTheDay
	case list != nil && current > 0 && current < *list*priceDropRatio:
		return domain.DealTypePriceDrop
	case p.Get("isWarehouseDeal").Bool():
		return domain.DealTypeWarehouse
	default:
		return domain.DealTypeNone
	}
}

func dealWindow(p gjson.Result) *domain.DealWindow {
	ld := p.Get("lightningDeal")
	if !ld.IsObject() {
		return nil
	}

	var w domain.DealWindow
	if s := ld.Get("startTime"); s.Type == gjson.Number && s.Int() > 0 {
		t := ProviderTime(s.Int())
		w.Start = &t
	}
	if e := ld.Get("endTime"); e.Type == gjson.Number && e.Int() > 0 {
		t := ProviderTime(e.Int())
		w.End = &t
	}
	if w.Start == nil && w.End == nil {
		return nil
	}
	return &w
}

// coupon reads a [value, typeCode] pair.
func coupon(c gjson.Result) *domain.Coupon {
	if !c.IsArray() {
		return nil
	}
	parts := c.Array()
	if len(parts) < 2 || parts[0].Type != gjson.Number || parts[0].Int() <= 0 {
		return nil
	}

	kind := domain.CouponFixed
	if parts[1].Int() == couponTypePercent {
		kind = domain.CouponPercent
	}
	return &domain.Coupon{Value: float64(parts[0].Int()) / 100, Type: kind}
}

func snapshot(p gjson.Result) domain.RawSnapshot {
	csv := p.Get("csv")
	snap := domain.RawSnapshot{
		PriceHistory:     rawSeries(csv.Get(strconv.Itoa(seriesAmazonPrice))),
		ListHistory:      rawSeries(csv.Get(strconv.Itoa(seriesListPrice))),
		SalesRankHistory: rawSeries(csv.Get(strconv.Itoa(seriesSalesRank))),
	}

	offers := p.Get("offers")
	if offers.IsArray() {
		for i, o := range offers.Array() {
			if i == maxSnapshotOffers {
				break
			}
			snap.Offers = append(snap.Offers, json.RawMessage(o.Raw))
		}
	}
	return snap
}

func toPriceStats(s windowStats) domain.PriceStats {
	if s.count == 0 {
		return domain.PriceStats{}
	}
	return domain.PriceStats{Avg: floatPtr(s.avg), Min: floatPtr(s.min), Max: floatPtr(s.max)}
}

// isAtOrBelow is the non-strict "lowest" test; ties count.
func isAtOrBelow(current float64, bound *float64) bool {
	return current > 0 && bound != nil && current <= *bound
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
