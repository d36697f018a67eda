package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
	"github.com/stretchr/testify/assert"
)

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "role", "balance", "version", "status", "updated_at"})
}

func TestLedgerService_applyDelta(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful credit rescales to two decimals", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		account := &models.Account{ID: "acc1", Role: models.RoleBuyer, Balance: d("10.00"), Version: 3}

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs("36.32", sqlmock.AnyArg(), "acc1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		updated, err := service.applyDelta(tx, account, d("26.32"), false)
		assert.NoError(t, err)
		assert.True(t, updated.Balance.Equal(d("36.32")))
		assert.Equal(t, 4, updated.Version)
	})

	t.Run("stale version surfaces a concurrency conflict", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		account := &models.Account{ID: "acc1", Role: models.RoleBuyer, Balance: d("10.00"), Version: 3}

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs("11.00", sqlmock.AnyArg(), "acc1", 3).
			WillReturnResult(sqlmock.NewResult(0, 0)) // No rows affected

		_, err := service.applyDelta(tx, account, d("1.00"), false)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("buyer balance may not go negative", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		account := &models.Account{ID: "acc1", Role: models.RoleBuyer, Balance: d("5.00"), Version: 1}

		_, err := service.applyDelta(tx, account, d("-10.00"), false)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("overdraft opt-in allows a negative balance", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		account := &models.Account{ID: "prov1", Role: models.RoleProvider, Balance: d("5.00"), Version: 1}

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs("-5.00", sqlmock.AnyArg(), "prov1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		updated, err := service.applyDelta(tx, account, d("-10.00"), true)
		assert.NoError(t, err)
		assert.True(t, updated.Balance.Equal(d("-5.00")))
	})
}

func TestLedgerService_lockAccountPair(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("locks in ascending order and returns argument order", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		// Caller asks for (zeta, alpha); alpha must lock first.
		mock.ExpectQuery("SELECT id, user_id, role, balance, version, status, updated_at FROM accounts WHERE id = \\$1 OR user_id = \\$1 LIMIT 1 FOR UPDATE").
			WithArgs("alpha").
			WillReturnRows(accountRows().AddRow("alpha", "alpha", "seller", "100.00", 1, "active", time.Now()))
		mock.ExpectQuery("SELECT id, user_id, role, balance, version, status, updated_at FROM accounts WHERE id = \\$1 OR user_id = \\$1 LIMIT 1 FOR UPDATE").
			WithArgs("zeta").
			WillReturnRows(accountRows().AddRow("zeta", "zeta", "provider", "200.00", 1, "active", time.Now()))

		first, second, err := service.lockAccountPair(tx, "zeta", "alpha")
		assert.NoError(t, err)
		assert.Equal(t, "zeta", first.ID)
		assert.Equal(t, "alpha", second.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account is not found", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, user_id, role, balance, version, status, updated_at FROM accounts WHERE id = \\$1 OR user_id = \\$1 LIMIT 1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, _, err := service.lockAccountPair(tx, "ghost", "zeta")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLedgerService_RunAtomic(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("retries a version conflict and succeeds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectCommit()

		attempts := 0
		err := service.RunAtomic(func(tx *sql.Tx) error {
			attempts++
			if attempts == 1 {
				return ErrConcurrencyConflict
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("surfaces the conflict once retries exhaust", func(t *testing.T) {
		for i := 0; i < maxBalanceRetries; i++ {
			mock.ExpectBegin()
			mock.ExpectRollback()
		}

		attempts := 0
		err := service.RunAtomic(func(tx *sql.Tx) error {
			attempts++
			return ErrConcurrencyConflict
		})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, maxBalanceRetries, attempts)
	})

	t.Run("does not retry other failures", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		attempts := 0
		err := service.RunAtomic(func(tx *sql.Tx) error {
			attempts++
			return ErrStateConflict
		})
		assert.ErrorIs(t, err, ErrStateConflict)
		assert.Equal(t, 1, attempts)
	})
}

func TestLedgerService_FindAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("resolves the stored role into the closed set", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, role, balance, version, status, updated_at FROM accounts WHERE id = \\$1 OR user_id = \\$1 LIMIT 1").
			WithArgs("user1").
			WillReturnRows(accountRows().AddRow("acc1", "user1", "Provider", "75.50", 2, "active", time.Now()))

		account, err := service.FindAccount("user1")
		assert.NoError(t, err)
		assert.Equal(t, models.RoleProvider, account.Role)
		assert.True(t, account.Balance.Equal(d("75.50")))
	})

	t.Run("missing account is not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, role, balance, version, status, updated_at FROM accounts WHERE id = \\$1 OR user_id = \\$1 LIMIT 1").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := service.FindAccount("ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
