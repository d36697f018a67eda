package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/middleware"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func stockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "product_id", "buyer_id", "price", "start_at", "end_at", "status", "resolution", "created_at", "provider_id", "duration_days"})
}

func expectFindStock(mock sqlmock.Sqlmock, id, buyerID, price string, startAt time.Time, endAt time.Time, status, providerID string, durationDays int) {
	mock.ExpectQuery("SELECT s.id, s.product_id, s.buyer_id, s.price, s.start_at, s.end_at, s.status, s.resolution, s.created_at, p.provider_id, p.duration_days FROM stock s INNER JOIN products p ON s.product_id = p.id WHERE s.id = \\$1").
		WithArgs(id).
		WillReturnRows(stockRows().AddRow(id, "prod1", buyerID, price, startAt, endAt, status, "", startAt, providerID, durationDays))
}

func newRefundFixture(t *testing.T, fee decimal.Decimal) (*RefundService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewLedgerService(db)
	service := NewRefundService(db, ledger, fee)
	return service, mock, func() { db.Close() }
}

func TestRefundService_Refund(t *testing.T) {
	admin := middleware.Principal{UserID: "admin1", Role: models.RoleAdmin}

	t.Run("full refund settles both legs atomically", func(t *testing.T) {
		service, mock, cleanup := newRefundFixture(t, decimal.Zero)
		defer cleanup()

		start := time.Now().Add(-15 * 24 * time.Hour)
		end := time.Now().Add(15 * 24 * time.Hour)
		expectFindStock(mock, "stock1", "buyer1", "30.00", start, end, "sold", "prov1", 30)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE stock SET status = \\$1, resolution = \\$2 WHERE id = \\$3 AND status = \\$4").
			WithArgs("refund", "refunded 30.00 USD", "stock1", "sold").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectLockAccount(mock, "buyer1", "buyer", "5.00", 1)
		expectLockAccount(mock, "prov1", "provider", "100.00", 2)
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs("35.00", sqlmock.AnyArg(), "buyer1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs("70.00", sqlmock.AnyArg(), "prov1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "buyer1", "refund", "30.00", "USD", nil, "approved", sqlmock.AnyArg(), "refund for stock stock1", "admin1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "prov1", "refund", "-30.00", "USD", nil, "approved", sqlmock.AnyArg(), "refund charge for stock stock1", "admin1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Refund("stock1", "", admin, true)
		assert.NoError(t, err)
		assert.Equal(t, "30.00", result.RefundAmount.StringFixed(2))
		assert.Equal(t, "35.00", result.BuyerBalance.StringFixed(2))
		assert.Equal(t, "70.00", result.ProviderBalance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("prorated refund never exceeds the paid price", func(t *testing.T) {
		service, mock, cleanup := newRefundFixture(t, decimal.Zero)
		defer cleanup()

		start := time.Now().Add(-20 * 24 * time.Hour)
		end := time.Now().Add(10 * 24 * time.Hour)
		expectFindStock(mock, "stock1", "buyer1", "30.00", start, end, "sold", "prov1", 30)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE stock SET status = \\$1, resolution = \\$2 WHERE id = \\$3 AND status = \\$4").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectLockAccount(mock, "buyer1", "buyer", "5.00", 1)
		expectLockAccount(mock, "prov1", "provider", "100.00", 2)
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Refund("stock1", "", admin, false)
		assert.NoError(t, err)
		// A third of the 30-day window remains, give or take the second in flight.
		assert.True(t, result.RefundAmount.GreaterThan(d("9.90")), "amount was %s", result.RefundAmount)
		assert.True(t, result.RefundAmount.LessThan(d("10.10")), "amount was %s", result.RefundAmount)
	})

	t.Run("second refund is a state conflict", func(t *testing.T) {
		service, mock, cleanup := newRefundFixture(t, decimal.Zero)
		defer cleanup()

		start := time.Now().Add(-15 * 24 * time.Hour)
		end := time.Now().Add(15 * 24 * time.Hour)
		expectFindStock(mock, "stock1", "buyer1", "30.00", start, end, "refund", "prov1", 30)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE stock SET status = \\$1, resolution = \\$2 WHERE id = \\$3 AND status = \\$4").
			WillReturnResult(sqlmock.NewResult(0, 0)) // Status guard misses
		mock.ExpectRollback()

		_, err := service.Refund("stock1", "", admin, true)
		assert.ErrorIs(t, err, ErrStateConflict)
	})

	t.Run("elapsed window has nothing to refund", func(t *testing.T) {
		service, mock, cleanup := newRefundFixture(t, decimal.Zero)
		defer cleanup()

		start := time.Now().Add(-40 * 24 * time.Hour)
		end := time.Now().Add(-10 * 24 * time.Hour)
		expectFindStock(mock, "stock1", "buyer1", "30.00", start, end, "sold", "prov1", 30)

		_, err := service.Refund("stock1", "", admin, false)
		assert.ErrorIs(t, err, ErrStateConflict)
	})

	t.Run("buyer hint must match the stock record", func(t *testing.T) {
		service, mock, cleanup := newRefundFixture(t, decimal.Zero)
		defer cleanup()

		start := time.Now().Add(-15 * 24 * time.Hour)
		end := time.Now().Add(15 * 24 * time.Hour)
		expectFindStock(mock, "stock1", "buyer1", "30.00", start, end, "sold", "prov1", 30)

		_, err := service.Refund("stock1", "someone-else", admin, true)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unrelated provider may not refund", func(t *testing.T) {
		service, mock, cleanup := newRefundFixture(t, decimal.Zero)
		defer cleanup()

		start := time.Now().Add(-15 * 24 * time.Hour)
		end := time.Now().Add(15 * 24 * time.Hour)
		expectFindStock(mock, "stock1", "buyer1", "30.00", start, end, "sold", "prov1", 30)

		stranger := middleware.Principal{UserID: "prov2", Role: models.RoleProvider}
		_, err := service.Refund("stock1", "", stranger, true)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}
