package sessions

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var (
	getQuery    = `(?s)^\s*SELECT\s+session_id,\s*phone_number,\s*credentials,\s*keys,.*FROM\s+bot_sessions\s+WHERE\s+session_id\s*=\s*\$1\s+AND\s+is_active\s*$`
	upsertQuery = `(?s)^\s*INSERT\s+INTO\s+bot_sessions\b.*ON\s+CONFLICT\s+\(session_id\)\s+DO\s+UPDATE\b.*$`
	touchQuery  = `(?s)^\s*UPDATE\s+bot_sessions\s+SET\s+last_active_at\s*=\s*\$2\s+WHERE\s+session_id\s*=\s*\$1\s+AND\s+is_active\s*$`
	deactQuery  = `(?s)^\s*UPDATE\s+bot_sessions\s+SET\s+is_active\s*=\s*FALSE\s+WHERE\s+session_id\s*=\s*\$1\s*$`
	deleteQuery = `(?s)^\s*DELETE\s+FROM\s+bot_sessions\s+WHERE\s+session_id\s*=\s*\$1\s*$`
	listQuery   = `(?s)^\s*SELECT\s+session_id,\s*phone_number,\s*created_at,\s*last_active_at\s+FROM\s+bot_sessions\s+WHERE\s+is_active\s+ORDER\s+BY\s+created_at\s*$`
	idleQuery   = `(?s)^\s*UPDATE\s+bot_sessions\s+SET\s+is_active\s*=\s*FALSE\s+WHERE\s+is_active\s+AND\s+last_active_at\s*<\s*\$1\s*$`
)

func TestGet_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	active := created.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"session_id", "phone_number", "credentials", "keys", "created_at", "last_active_at", "is_active"}).
		AddRow("s1", "4915112345678", []byte(`{"registrationId":7,"registered":true}`), []byte(`{"pre-key":{"1":"AQI="}}`), created, active, true)

	mock.ExpectQuery(getQuery).WithArgs("s1").WillReturnRows(rows)

	rec, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "4915112345678", rec.PhoneNumber)
	assert.Equal(t, 7, rec.State.Creds.RegistrationID)
	assert.True(t, rec.State.Creds.Registered)
	v, ok := rec.State.Keys.Get(models.KeyCategoryPreKey, "1")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, v)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, active, rec.LastActiveAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NullPhoneAndEmptyKeys(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"session_id", "phone_number", "credentials", "keys", "created_at", "last_active_at", "is_active"}).
		AddRow("s1", nil, []byte(`{}`), nil, now, now, true)
	mock.ExpectQuery(getQuery).WithArgs("s1").WillReturnRows(rows)

	rec, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, rec.PhoneNumber)
	assert.NotNil(t, rec.State.Keys)
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(getQuery).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGet_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(getQuery).WithArgs("s1").WillReturnError(errors.New("db err"))

	_, err := repo.Get(context.Background(), "s1")
	if err == nil || !regexp.MustCompile(`db error: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGet_CorruptCredentials(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"session_id", "phone_number", "credentials", "keys", "created_at", "last_active_at", "is_active"}).
		AddRow("s1", "1", []byte(`not json`), []byte(`{}`), now, now, true)
	mock.ExpectQuery(getQuery).WithArgs("s1").WillReturnRows(rows)

	_, err := repo.Get(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode credentials")
}

func TestUpsert_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := &models.SessionRecord{
		SessionID:    "s1",
		PhoneNumber:  "4915112345678",
		State:        &models.AuthState{Creds: models.Credentials{RegistrationID: 3}},
		LastActiveAt: at,
	}

	mock.ExpectExec(upsertQuery).
		WithArgs("s1", "4915112345678", sqlmock.AnyArg(), "{}", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_EmptyPhoneIsNull(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rec := &models.SessionRecord{SessionID: "s1", State: models.NewAuthState()}
	mock.ExpectExec(upsertQuery).
		WithArgs("s1", nil, sqlmock.AnyArg(), "{}", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_NilState(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	require.Error(t, repo.Upsert(context.Background(), &models.SessionRecord{SessionID: "s1"}))
}

func TestUpsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(upsertQuery).WillReturnError(errors.New("db down"))

	err := repo.Upsert(context.Background(), &models.SessionRecord{SessionID: "s1", State: models.NewAuthState()})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestTouchDeactivateDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(touchQuery).WithArgs("s1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deactQuery).WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteQuery).WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, repo.Touch(ctx, "s1", at))
	require.NoError(t, repo.Deactivate(ctx, "s1"))
	require.NoError(t, repo.Delete(ctx, "s1"), "deleting a missing record is not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchDeactivateDelete_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(touchQuery).WillReturnError(errors.New("x"))
	mock.ExpectExec(deactQuery).WillReturnError(errors.New("x"))
	mock.ExpectExec(deleteQuery).WillReturnError(errors.New("x"))

	ctx := context.Background()
	assert.ErrorContains(t, repo.Touch(ctx, "s1", time.Now()), "db error")
	assert.ErrorContains(t, repo.Deactivate(ctx, "s1"), "db error")
	assert.ErrorContains(t, repo.Delete(ctx, "s1"), "db error")
}

func TestListActive(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"session_id", "phone_number", "created_at", "last_active_at"}).
		AddRow("s1", "111", t1, t2).
		AddRow("s2", nil, t2, t2)
	mock.ExpectQuery(listQuery).WillReturnRows(rows)

	got, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, "111", got[0].PhoneNumber)
	assert.Equal(t, "s2", got[1].SessionID)
	assert.Empty(t, got[1].PhoneNumber)
	assert.True(t, got[1].IsActive)
	assert.Nil(t, got[0].State)
}

func TestListActive_RowError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"session_id", "phone_number", "created_at", "last_active_at"}).
		AddRow("s1", "111", time.Now(), time.Now()).
		RowError(0, errors.New("broken row"))
	mock.ExpectQuery(listQuery).WillReturnRows(rows)

	_, err := repo.ListActive(context.Background())
	assert.ErrorContains(t, err, "broken row")
}

func TestDeactivateIdleSince(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(idleQuery).WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeactivateIdleSince(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDeactivateIdleSince_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(idleQuery).WillReturnError(errors.New("db down"))

	_, err := repo.DeactivateIdleSince(context.Background(), time.Now())
	assert.ErrorContains(t, err, "db error")
}
