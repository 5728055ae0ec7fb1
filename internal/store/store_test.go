package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestGormStore_ResolveOrRegisterDevice(t *testing.T) {
	deviceColumns := []string{"id", "device_code", "name", "owner_id", "is_online", "last_seen", "created_at", "updated_at"}
	now := time.Now()

	testCases := []struct {
		name             string
		code             string
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedID       int64
		expectedName     string
		expectedErr      bool
	}{
		{
			name: "Known device code resolves without insert",
			code: "0001",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WithArgs("0001", 1).
					WillReturnRows(sqlmock.NewRows(deviceColumns).
						AddRow(3, "0001", "Fermenter A", 42, true, now, now, now))
			},
			expectedID:   3,
			expectedName: "Fermenter A",
		},
		{
			name: "Unknown device code registers an unassigned placeholder",
			code: "0002",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WithArgs("0002", 1).
					WillReturnRows(sqlmock.NewRows(deviceColumns))

				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "devices"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
				mock.ExpectCommit()
			},
			expectedID:   7,
			expectedName: "Device 0002",
		},
		{
			name: "Concurrent registration wins the insert, fetch the winner",
			code: "0003",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WithArgs("0003", 1).
					WillReturnRows(sqlmock.NewRows(deviceColumns))

				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "devices"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectCommit()

				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WithArgs("0003", 1).
					WillReturnRows(sqlmock.NewRows(deviceColumns).
						AddRow(9, "0003", "Device 0003", nil, false, nil, now, now))
			},
			expectedID:   9,
			expectedName: "Device 0003",
		},
		{
			name: "Lookup failure is retried once then surfaced",
			code: "0004",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WillReturnError(errors.New("connection reset"))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WillReturnError(errors.New("connection reset"))
			},
			expectedErr: true,
		},
		{
			name: "Lookup failure recovers on retry",
			code: "0005",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WillReturnError(errors.New("connection reset"))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE device_code = $1`)).
					WillReturnRows(sqlmock.NewRows(deviceColumns).
						AddRow(5, "0005", "Device 0005", nil, true, now, now, now))
			},
			expectedID:   5,
			expectedName: "Device 0005",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			store := NewGormStore(gormDB)

			tc.mockExpectations(mock)

			device, err := store.ResolveOrRegisterDevice(context.Background(), tc.code)
			if tc.expectedErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expectedID, device.ID)
				assert.Equal(t, tc.expectedName, device.Name)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_MarkSeen(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "devices" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, store.MarkSeen(context.Background(), 3, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_MarkLeakDetected(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "fermentation_runs" SET "leak_detected"=$1 WHERE id = $2 AND leak_detected = $3`)).
		WithArgs(true, 11, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "fermentation_runs" SET "leak_detected"=$1 WHERE id = $2 AND leak_detected = $3`)).
		WithArgs(true, 11, false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	flipped, err := store.MarkLeakDetected(context.Background(), 11)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = store.MarkLeakDetected(context.Background(), 11)
	require.NoError(t, err)
	assert.False(t, flipped, "an already flagged run is left untouched")

	assert.NoError(t, mock.ExpectationsWereMet())
}
