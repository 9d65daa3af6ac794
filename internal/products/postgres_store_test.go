package products

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var productColumnNames = []string{
	"id", "vendor_id", "name", "description", "category", "base_price", "current_price",
	"unit", "quantity", "images", "city", "state", "longitude", "latitude", "is_active",
	"created_at", "updated_at",
}

func TestBuildWhere(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildWhere(Filter{
		Category:     CategoryFruits,
		City:         "pune",
		Search:       "50%_off",
		MinPrice:     10,
		UpdatedSince: since,
	})

	assert.Equal(t,
		" WHERE is_active = TRUE AND category = $1 AND city ILIKE $2 AND (name ILIKE $3 OR description ILIKE $3) AND current_price >= $4 AND updated_at >= $5",
		where)
	assert.Equal(t, []any{"fruits", "%pune%", `%50\%\_off%`, 10.0, since}, args)

	where, args = buildWhere(Filter{IncludeInactive: true})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE id = $1")).
		WithArgs("prd_x").
		WillReturnRows(sqlmock.NewRows(productColumnNames))

	_, err = NewPostgresStore(db).Get(context.Background(), "prd_x")
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE is_active = TRUE AND category = $1 ORDER BY updated_at ASC, id ASC LIMIT $2")).
		WithArgs("vegetables", 5).
		WillReturnRows(sqlmock.NewRows(productColumnNames).
			AddRow("prd_1", "usr_v", "Okra", "Tender okra", "vegetables", "40.00", "38.50",
				"kg", "25.000", "{a.jpg,b.jpg}", "Pune", "Maharashtra", 73.85, 18.52, true, now, now))

	list, err := NewPostgresStore(db).List(context.Background(), Filter{
		Category: CategoryVegetables, SortBy: SortUpdatedAt, SortAsc: true, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 38.5, list[0].CurrentPrice)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, list[0].Images)
	assert.Equal(t, UnitKg, list[0].Unit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeactivateNotOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET is_active = FALSE")).
		WithArgs(at, "prd_1", "usr_other").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("prd_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = NewPostgresStore(db).Deactivate(context.Background(), "prd_1", "usr_other", at)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM products WHERE is_active = TRUE AND state ILIKE $1")).
		WithArgs("%kerala%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := NewPostgresStore(db).Count(context.Background(), Filter{State: "kerala"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
