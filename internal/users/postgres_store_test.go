package users

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userColumnNames = []string{
	"id", "name", "email", "phone", "role", "preferred_language",
	"city", "state", "longitude", "latitude", "is_verified", "created_at", "updated_at",
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("usr_1", "Ramesh", "r@example.com", "", "vendor", "ta",
				"Chennai", "Tamil Nadu", 80.27, 13.08, true, now, now))

	u, err := store.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, RoleVendor, u.Role)
	assert.Equal(t, "ta", u.PreferredLanguage)
	assert.Equal(t, [2]float64{80.27, 13.08}, u.Location.Coordinates)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("usr_2").
		WillReturnRows(sqlmock.NewRows(userColumnNames))

	_, err = store.Get(context.Background(), "usr_2")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicateEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	u := newUser("usr_1", "a@example.com", RoleBuyer, time.Now())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505"})

	assert.ErrorIs(t, store.Create(context.Background(), u), ErrEmailTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("buyer", 100).
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("usr_1", "Asha", "a@x", "", "buyer", "hi", "Pune", "Maharashtra", 0.0, 0.0, false, now, now).
			AddRow("usr_2", "Bala", "b@x", "", "buyer", "kn", "Mysuru", "Karnataka", 0.0, 0.0, false, now, now))

	list, err := store.List(context.Background(), RoleBuyer, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "kn", list[1].PreferredLanguage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
