// Package history persists extracted deals to Elasticsearch so price
// trends survive the provider payload cache.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const defaultIndex = "deal_history"

// ErrMissingURL is returned when history is enabled without an address.
var ErrMissingURL = errors.New("elasticsearch url is required")

// Config configures the history indexer.
type Config struct {
	URL      string
	Username string
	Password string //nolint:gosec // ES credential
	Index    string
}

// Document is one stored deal observation.
type Document struct {
	domain.ExtractedDealData
	JobID     string    `json:"job_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Indexer writes deal observations in bulk.
type Indexer struct {
	client *es.Client
	index  string
	log    logger.Logger
}

// NewIndexer creates an Elasticsearch-backed indexer.
func NewIndexer(cfg Config, log logger.Logger) (*Indexer, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	url := cfg.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	client, err := es.NewClient(es.Config{
		Addresses: []string{url},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = defaultIndex
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Indexer{client: client, index: index, log: log}, nil
}

// DocumentID keys an observation by product and provider update time, so
// re-fetching an unchanged product overwrites rather than duplicates.
func DocumentID(deal *domain.ExtractedDealData, fetchedAt time.Time) string {
	at := fetchedAt
	if deal.ProviderLastUpdate != nil {
		at = *deal.ProviderLastUpdate
	}
	return fmt.Sprintf("%s-%d", deal.ASIN, at.UnixMilli())
}

// Record stores deals fetched by jobID. It returns the number indexed.
func (i *Indexer) Record(ctx context.Context, jobID string, deals []domain.ExtractedDealData, fetchedAt time.Time) (int, error) {
	if len(deals) == 0 {
		return 0, nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for idx := range deals {
		meta := map[string]any{"index": map[string]any{
			"_index": i.index,
			"_id":    DocumentID(&deals[idx], fetchedAt),
		}}
		if err := enc.Encode(meta); err != nil {
			return 0, fmt.Errorf("encode bulk meta: %w", err)
		}
		doc := Document{ExtractedDealData: deals[idx], JobID: jobID, FetchedAt: fetchedAt}
		if err := enc.Encode(doc); err != nil {
			return 0, fmt.Errorf("encode bulk document: %w", err)
		}
	}

	res, err := i.client.Bulk(
		bytes.NewReader(body.Bytes()),
		i.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to index deal history: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return 0, fmt.Errorf("error indexing deal history: %s", res.String())
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, fmt.Errorf("read bulk response: %w", err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}

	indexed := len(deals)
	if parsed.Errors {
		indexed = 0
		for _, item := range parsed.Items {
			for _, result := range item {
				if result.Status < 300 {
					indexed++
				}
			}
		}
		i.log.Warn("Some deal history documents failed to index",
			logger.String("job_id", jobID),
			logger.Int("indexed", indexed),
			logger.Int("total", len(deals)),
		)
	}
	return indexed, nil
}

// Ping checks the cluster is reachable.
func (i *Indexer) Ping(ctx context.Context) error {
	res, err := i.client.Ping(i.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return fmt.Errorf("ping returned %s", res.Status())
	}
	return nil
}
