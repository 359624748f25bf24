package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = fmt.Errorf("automation rule: %w", domain.ErrNotFound)

const ruleColumns = `id, user_id, name, categories, min_score, min_discount, max_price, min_rating,
	channel_id, is_active, run_interval_minutes, next_run_at, last_run_at, total_runs,
	deals_published, clicks_generated, created_at, updated_at`

// ruleRow mirrors automation_rules; categories is a TEXT[] column.
type ruleRow struct {
	ID                 int64          `db:"id"`
	UserID             string         `db:"user_id"`
	Name               string         `db:"name"`
	Categories         pq.StringArray `db:"categories"`
	MinScore           int            `db:"min_score"`
	MinDiscount        float64        `db:"min_discount"`
	MaxPrice           *float64       `db:"max_price"`
	MinRating          *int           `db:"min_rating"`
	ChannelID          string         `db:"channel_id"`
	IsActive           bool           `db:"is_active"`
	RunIntervalMinutes int            `db:"run_interval_minutes"`
	NextRunAt          time.Time      `db:"next_run_at"`
	LastRunAt          *time.Time     `db:"last_run_at"`
	TotalRuns          int64          `db:"total_runs"`
	DealsPublished     int64          `db:"deals_published"`
	ClicksGenerated    int64          `db:"clicks_generated"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *ruleRow) toDomain() domain.AutomationRule {
	return domain.AutomationRule{
		ID:                 r.ID,
		UserID:             r.UserID,
		Name:               r.Name,
		Categories:         []string(r.Categories),
		MinScore:           r.MinScore,
		MinDiscount:        r.MinDiscount,
		MaxPrice:           r.MaxPrice,
		MinRating:          r.MinRating,
		ChannelID:          r.ChannelID,
		IsActive:           r.IsActive,
		RunIntervalMinutes: r.RunIntervalMinutes,
		NextRunAt:          r.NextRunAt,
		LastRunAt:          r.LastRunAt,
		TotalRuns:          r.TotalRuns,
		DealsPublished:     r.DealsPublished,
		ClicksGenerated:    r.ClicksGenerated,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// RuleRepository reads due rules and writes run bookkeeping back.
type RuleRepository struct {
	db *sqlx.DB
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *sqlx.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// ListDue returns active rules with next_run_at <= now, oldest first.
func (r *RuleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM automation_rules
		WHERE is_active = true AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC
		LIMIT $2`

	var rows []ruleRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}

	rules := make([]domain.AutomationRule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].toDomain())
	}
	return rules, nil
}

// GetByID loads a single rule.
func (r *RuleRepository) GetByID(ctx context.Context, id int64) (*domain.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE id = $1`

	var row ruleRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}

	rule := row.toDomain()
	return &rule, nil
}

// RecordRun applies a scheduled run: last_run_at and total_runs always
// change, deals_published grows by published, and next_run_at advances
// by the rule's interval from whichever is later of the old value and
// ranAt. It reports false when the rule no longer exists.
func (r *RuleRepository) RecordRun(ctx context.Context, ruleID int64, ranAt time.Time, published int) (bool, error) {
	query := `
		UPDATE automation_rules SET
			last_run_at = $2,
			total_runs = total_runs + 1,
			deals_published = deals_published + $3,
			next_run_at = GREATEST(next_run_at, $2) + make_interval(mins => CASE
				WHEN run_interval_minutes > 0 THEN run_interval_minutes
				ELSE $4
			END),
			updated_at = $2
		WHERE id = $1`

	return r.execUpdate(ctx, query, ruleID, ranAt, published, domain.DefaultRunIntervalMinutes)
}

// RecordManualRun applies a manual run without touching the schedule.
func (r *RuleRepository) RecordManualRun(ctx context.Context, ruleID int64, ranAt time.Time, published int) (bool, error) {
	query := `
		UPDATE automation_rules SET
			last_run_at = $2,
			total_runs = total_runs + 1,
			deals_published = deals_published + $3,
			updated_at = $2
		WHERE id = $1`

	return r.execUpdate(ctx, query, ruleID, ranAt, published)
}

func (r *RuleRepository) execUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("record rule run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// TopCategories returns the primary categories of active rules ordered by
// how many rules use them. A non-positive limit returns all of them.
func (r *RuleRepository) TopCategories(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT categories[1] AS category
		FROM automation_rules
		WHERE is_active = true AND cardinality(categories) > 0
		GROUP BY categories[1]
		ORDER BY COUNT(*) DESC, categories[1] ASC`

	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var categories []string
	if err := r.db.SelectContext(ctx, &categories, query, args...); err != nil {
		return nil, fmt.Errorf("list top categories: %w", err)
	}
	return categories, nil
}

// Ping checks database connectivity.
func (r *RuleRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
