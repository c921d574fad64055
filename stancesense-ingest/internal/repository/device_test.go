package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DeviceRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewDeviceRepository(db, zap.NewNop())
}

func TestGetDevice_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"device_id", "patient_id", "device_name", "location", "firmware_version"}).
		AddRow("wrist_unit_001", "patient-1", "Wrist Sensor Unit", "Left wrist", nil)
	mock.ExpectQuery(`SELECT`).
		WithArgs("wrist_unit_001").
		WillReturnRows(rows)

	device, err := repo.GetDevice(context.Background(), "wrist_unit_001")
	require.NoError(t, err)
	assert.Equal(t, "patient-1", device.PatientID)
	assert.Equal(t, "Left wrist", device.Location.String)
	assert.False(t, device.FirmwareVersion.Valid)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDevice_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "patient_id", "device_name", "location", "firmware_version"}))

	_, err := repo.GetDevice(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDevice_QueryError(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("wrist_unit_001").
		WillReturnError(errors.New("connection reset"))

	_, err := repo.GetDevice(context.Background(), "wrist_unit_001")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDeviceNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
