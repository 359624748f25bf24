package normalizer

import (
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

// ErrInvalidResponse is returned when the envelope itself is not JSON.
var ErrInvalidResponse = errors.New("invalid provider response")

// Response is a normalized category payload.
type Response struct {
	// TokensConsumed is the provider-reported cost of the call.
	TokensConsumed int
	// TokensLeft is the provider's own remaining quota, -1 when absent.
	TokensLeft int
	Deals      []domain.ExtractedDealData
	// Skipped counts products dropped as malformed.
	Skipped int
}

// ParseResponse normalizes a category deals envelope of the form
// {"tokensConsumed": n, "tokensLeft": n, "products": [...]}. Products
// without an object body or an ASIN are skipped. Deals are attributed to
// the requested category; the product's root category is used only when
// category is empty.
func ParseResponse(body []byte, category string, now time.Time) (Response, error) {
	if !gjson.ValidBytes(body) {
		return Response{}, ErrInvalidResponse
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Response{}, ErrInvalidResponse
	}

	resp := Response{
		TokensConsumed: int(root.Get("tokensConsumed").Int()),
		TokensLeft:     -1,
	}
	if left := root.Get("tokensLeft"); left.Type == gjson.Number {
		resp.TokensLeft = int(left.Int())
	}

	products := root.Get("products")
	if !products.IsArray() {
		return resp, nil
	}

	for _, p := range products.Array() {
		if !p.IsObject() || p.Get("asin").String() == "" {
			resp.Skipped++
			continue
		}
		deal := extract(p, now)
		if category != "" {
			deal.Category = category
		}
		resp.Deals = append(resp.Deals, deal)
	}
	return resp, nil
}
