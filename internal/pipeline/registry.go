package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeviceRegistry is the durable store mapping IMEIs to device records.
// Status writes go through the state machine only; telemetry updates are
// monotonic by received time.
type DeviceRegistry struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewDeviceRegistry creates a new DeviceRegistry instance.
func NewDeviceRegistry(db *gorm.DB, logger *slog.Logger) (*DeviceRegistry, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &DeviceRegistry{
		logger: logger,
		db:     db,
	}, nil
}

// ResolveDevice looks up a device by IMEI. An unknown IMEI returns
// ErrUnknownDevice; it signals an unregistered device, not a failure.
func (r *DeviceRegistry) ResolveDevice(ctx context.Context, imei string) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("imei = ?", imei).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("imei %q: %w", imei, ErrUnknownDevice)
		}
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	return &device, nil
}

// ResolveByID looks up a device by its generated identifier.
func (r *DeviceRegistry) ResolveByID(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("id = ?", deviceID).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	return &device, nil
}

// Provision creates a device record. The ID is generated when absent and the
// status defaults to offline. The IMEI unique index rejects duplicates.
func (r *DeviceRegistry) Provision(ctx context.Context, device *Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	if device.IMEI == "" {
		return errors.New("device IMEI cannot be empty")
	}

	if device.ID == "" {
		device.ID = uuid.NewString()
	}

	if device.Status == "" {
		device.Status = StatusOffline
	}

	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to provision device: %w", err)
	}

	r.logger.Info("device provisioned",
		"device_id", device.ID,
		"imei", device.IMEI,
		"client_id", device.ClientID,
	)
	return nil
}

// UpsertTelemetry applies a partial telemetry update. The update only lands
// when receivedAt is newer than the stored last_communication; stale
// out-of-order telemetry is dropped silently rather than erroring.
func (r *DeviceRegistry) UpsertTelemetry(ctx context.Context, deviceID string, battery, signal *int, receivedAt time.Time) error {
	updates := map[string]any{
		"last_communication": receivedAt,
	}
	if battery != nil {
		updates["battery_level"] = *battery
	}
	if signal != nil {
		updates["signal_strength"] = *signal
	}

	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND (last_communication IS NULL OR last_communication <= ?)", deviceID, receivedAt).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update telemetry: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		r.logger.Debug("stale telemetry ignored",
			"device_id", deviceID,
			"received_at", receivedAt,
		)
	}
	return nil
}

// SetStatus writes the derived device status. Only the state machine calls
// this; maintenance entry and exit come through ForceStatus.
func (r *DeviceRegistry) SetStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND status <> ?", deviceID, StatusMaintenance).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to set device status: %w", res.Error)
	}
	return nil
}

// ForceStatus is the operator override used to enter and clear maintenance.
func (r *DeviceRegistry) ForceStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ?", deviceID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to force device status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	return nil
}

// List returns all devices, newest first.
func (r *DeviceRegistry) List(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// SweepStaleDevices demotes online devices whose last communication is older
// than the threshold to offline. Called by the periodic liveness sweep.
func (r *DeviceRegistry) SweepStaleDevices(ctx context.Context, now time.Time, threshold time.Duration) (int64, error) {
	cutoff := now.Add(-threshold)
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("status = ? AND (last_communication IS NULL OR last_communication < ?)", StatusOnline, cutoff).
		Update("status", StatusOffline)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep stale devices: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		r.logger.Info("demoted stale devices", "count", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}

// LookupClient resolves the owning client for device provisioning. Read-only.
func (r *DeviceRegistry) LookupClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	err := r.db.WithContext(ctx).Where("id = ?", clientID).First(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("client %q: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	return &client, nil
}
