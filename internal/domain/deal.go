package domain

import (
	"encoding/json"
	"time"
)

// DealType classifies why a product is on deal.
type DealType string

const (
	DealTypeNone         DealType = ""
	DealTypeLightning    DealType = "lightning"
	DealTypeDealOfTheDay DealType = "deal_of_the_day"
	DealTypePriceDrop    DealType = "price_drop"
	DealTypeWarehouse    DealType = "warehouse"
)

// CouponType is how a coupon value applies.
type CouponType string

const (
	CouponPercent CouponType = "percent"
	CouponFixed   CouponType = "fixed"
)

// Coupon is a clippable discount on the product.
type Coupon struct {
	Value float64    `json:"value"`
	Type  CouponType `json:"type"`
}

// DealWindow is the active period of a time-boxed deal.
type DealWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// PriceStats summarizes prices inside a trailing window. Nil fields mean
// the window held no valid points.
type PriceStats struct {
	Avg *float64 `json:"avg,omitempty"`
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// RawSnapshot is the trimmed provider payload kept for history.
type RawSnapshot struct {
	PriceHistory     []int64           `json:"price_history,omitempty"`
	ListHistory      []int64           `json:"list_history,omitempty"`
	SalesRankHistory []int64           `json:"sales_rank_history,omitempty"`
	Offers           []json.RawMessage `json:"offers,omitempty"`
}

// ExtractedDealData is the structured view of one provider product.
type ExtractedDealData struct {
	ASIN               string      `json:"asin"`
	Title              string      `json:"title"`
	Category           string      `json:"category"`
	Subcategory        string      `json:"subcategory,omitempty"`
	Brand              string      `json:"brand,omitempty"`
	CurrentPrice       float64     `json:"current_price"`
	ListPrice          *float64    `json:"list_price,omitempty"`
	Stats30            PriceStats  `json:"stats_30"`
	Stats90            PriceStats  `json:"stats_90"`
	MinEver            *float64    `json:"min_ever,omitempty"`
	PriceDropPercent   *float64    `json:"price_drop_percent,omitempty"`
	IsLowestEver       bool        `json:"is_lowest_ever"`
	IsLowest30         bool        `json:"is_lowest_30"`
	SalesRank          *int        `json:"sales_rank,omitempty"`
	Rating             *float64    `json:"rating,omitempty"`
	ReviewCount        *int        `json:"review_count,omitempty"`
	DealType           DealType    `json:"deal_type,omitempty"`
	DealWindow         *DealWindow `json:"deal_window,omitempty"`
	Coupon             *Coupon     `json:"coupon,omitempty"`
	Raw                RawSnapshot `json:"raw"`
	ProviderLastUpdate *time.Time  `json:"provider_last_update,omitempty"`
}

// ScoredDeal is a deal with the ranking facts rules filter on.
type ScoredDeal struct {
	Deal     ExtractedDealData `json:"deal"`
	Score    int               `json:"score"`
	Discount float64           `json:"discount"`
}

// Publication is one rule's matched deals from one job, handed to the
// channel delivery collaborator.
type Publication struct {
	JobID       string       `json:"job_id"`
	RuleID      int64        `json:"rule_id"`
	UserID      string       `json:"user_id"`
	ChannelID   string       `json:"channel_id"`
	Category    string       `json:"category"`
	Deals       []ScoredDeal `json:"deals"`
	PublishedAt time.Time    `json:"published_at"`
}
