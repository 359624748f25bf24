package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/database"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

var ruleColumns = []string{
	"id", "user_id", "name", "categories", "min_score", "min_discount", "max_price", "min_rating",
	"channel_id", "is_active", "run_interval_minutes", "next_run_at", "last_run_at", "total_runs",
	"deals_published", "clicks_generated", "created_at", "updated_at",
}

func newRepo(t *testing.T) (*database.RuleRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return database.NewRuleRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestRuleRepository_ListDue(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)

	rows := sqlmock.NewRows(ruleColumns).
		AddRow(1, "user-1", "Cheap TVs", "{Electronics,Home}", 60, 20.0, 100.0, 45,
			"chan-1", true, 360, now.Add(-time.Minute), nil, 3, 7, 2, created, created).
		AddRow(2, "user-2", "Toys", "{Toys}", 0, 0.0, nil, nil,
			"chan-2", true, 0, now, now.Add(-6*time.Hour), 1, 0, 0, created, created)

	mock.ExpectQuery("FROM automation_rules").
		WithArgs(now, 500).
		WillReturnRows(rows)

	rules, err := repo.ListDue(context.Background(), now, 500)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	first := rules[0]
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, []string{"Electronics", "Home"}, first.Categories)
	assert.Equal(t, "Electronics", first.PrimaryCategory())
	require.NotNil(t, first.MaxPrice)
	assert.InDelta(t, 100.0, *first.MaxPrice, 0.001)
	require.NotNil(t, first.MinRating)
	assert.Equal(t, 45, *first.MinRating)
	assert.Nil(t, first.LastRunAt)

	second := rules[1]
	assert.Nil(t, second.MaxPrice)
	assert.Nil(t, second.MinRating)
	require.NotNil(t, second.LastRunAt)
	assert.Equal(t, domain.DefaultRunIntervalMinutes*time.Minute, second.RunInterval())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_GetByID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
		wantAny   bool
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM automation_rules WHERE id").
					WithArgs(int64(9)).
					WillReturnRows(sqlmock.NewRows(ruleColumns).AddRow(
						9, "u", "n", "{Books}", 10, 5.0, nil, nil,
						"c", true, 60, now, nil, 0, 0, 0, now, now))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM automation_rules WHERE id").
					WithArgs(int64(9)).
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: database.ErrRuleNotFound,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM automation_rules WHERE id").
					WithArgs(int64(9)).
					WillReturnError(sql.ErrConnDone)
			},
			wantAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo, mock := newRepo(t)
			tt.setupMock(mock)

			rule, err := repo.GetByID(context.Background(), 9)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
				require.ErrorIs(t, err, domain.ErrNotFound)
			case tt.wantAny:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, []string{"Books"}, rule.Categories)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRuleRepository_RecordRun(t *testing.T) {
	t.Parallel()

	ranAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		affected  int64
		execErr   error
		wantFound bool
		wantErr   bool
	}{
		{name: "updates existing rule", affected: 1, wantFound: true},
		{name: "deleted rule is a no-op", affected: 0, wantFound: false},
		{name: "database error", execErr: sql.ErrConnDone, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo, mock := newRepo(t)
			expect := mock.ExpectExec("UPDATE automation_rules SET").
				WithArgs(int64(4), ranAt, 2, domain.DefaultRunIntervalMinutes)
			if tt.execErr != nil {
				expect.WillReturnError(tt.execErr)
			} else {
				expect.WillReturnResult(sqlmock.NewResult(0, tt.affected))
			}

			found, err := repo.RecordRun(context.Background(), 4, ranAt, 2)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantFound, found)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRuleRepository_RecordManualRun(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	ranAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE automation_rules SET").
		WithArgs(int64(4), ranAt, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	found, err := repo.RecordManualRun(context.Background(), 4, ranAt, 0)
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_TopCategories(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	mock.ExpectQuery("GROUP BY categories").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"category"}).
			AddRow("Electronics").AddRow("Home").AddRow("Toys"))

	categories, err := repo.TopCategories(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"Electronics", "Home", "Toys"}, categories)

	mock.ExpectQuery("GROUP BY categories").
		WillReturnRows(sqlmock.NewRows([]string{"category"}).AddRow("Books"))

	all, err := repo.TopCategories(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Books"}, all)

	require.NoError(t, mock.ExpectationsWereMet())
}
