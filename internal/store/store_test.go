package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupMockStore wires a *Store around a sqlmock-backed *gorm.DB so the
// upsert/query SQL each helper emits can be asserted without a live
// database.
func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return &Store{db: gormDB}, mock, mockDB
}

func TestSaveUsage_UpsertsByRequestID(t *testing.T) {
	s, mock, mockDB := setupMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "request_usage"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := s.SaveUsage(context.Background(), &UsageRecord{RequestID: "req-1", Provider: "openai"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCooldown_UpsertsByCompositeKey(t *testing.T) {
	s, mock, mockDB := setupMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "provider_cooldowns"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveCooldown(context.Background(), &ProviderCooldown{
		Provider: "openai", Model: "gpt-4", ExpiryEpoch: time.Now().Add(time.Minute).Unix(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCooldown_FiltersOnAllThreeKeyColumns(t *testing.T) {
	s, mock, mockDB := setupMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "provider_cooldowns" WHERE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.DeleteCooldown(context.Background(), "openai", "gpt-4", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadQuotaState_NoRowReturnsFoundFalse(t *testing.T) {
	s, mock, mockDB := setupMockStore(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "quota_state"`).
		WillReturnRows(sqlmock.NewRows([]string{"key_name", "quota_name"}))

	_, found, err := s.LoadQuotaState(context.Background(), "key-a", "daily")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCooldowns_ReturnsAllPersistedRows(t *testing.T) {
	s, mock, mockDB := setupMockStore(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "provider_cooldowns"`).
		WillReturnRows(sqlmock.NewRows([]string{"provider", "model", "account_id", "expiry_epoch"}).
			AddRow("openai", "gpt-4", "", time.Now().Unix()).
			AddRow("anthropic", "claude-3", "", time.Now().Unix()))

	recs, err := s.LoadCooldowns(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
