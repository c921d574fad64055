package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrDeviceNotFound is returned when no row matches the device id.
var ErrDeviceNotFound = errors.New("device not found")

// Device is a registered wearable and the patient wearing it.
type Device struct {
	DeviceID        string
	PatientID       string
	DeviceName      string
	Location        sql.NullString
	FirmwareVersion sql.NullString
}

// DeviceRepository looks devices up in Postgres.
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository creates a repository.
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevice returns the device with the given id.
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT
			d.device_id,
			d.patient_id,
			d.device_name,
			d.location,
			d.firmware_version
		FROM devices d
		WHERE d.device_id = $1
		LIMIT 1
	`

	device := &Device{}
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&device.PatientID,
		&device.DeviceName,
		&device.Location,
		&device.FirmwareVersion,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	return device, nil
}
