package pipeline

import (
	"context"
	"fmt"
	"time"
)

// NextStatus derives the device status that results from ingesting an event
// of the given type. Maintenance is an operator override: automatic
// transitions never leave it, and nothing but ForceStatus enters it.
func NextStatus(current DeviceStatus, eventType EventType) DeviceStatus {
	if current == StatusMaintenance {
		return current
	}

	switch eventType {
	case EventHeartbeat, EventGPSPosition, EventArm, EventDisarm:
		return StatusOnline
	case EventAlarm, EventZoneViolation, EventTamperAlert:
		return StatusAlarm
	case EventPowerFailure, EventSignalLoss:
		return StatusOffline
	default:
		// battery_low, device_reset, maintenance: status-neutral telemetry.
		return current
	}
}

// RecomputeStatus repairs a device's derived status by replaying its recent
// events in received order. It is the recovery path for the "append
// succeeded, derived state lags" failure mode; the event log, not the device
// row, is the source of truth.
func (g *Gateway) RecomputeStatus(ctx context.Context, deviceID string, lookback time.Duration) (DeviceStatus, error) {
	device, err := g.registry.ResolveByID(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("failed to load device for recompute: %w", err)
	}

	if device.Status == StatusMaintenance {
		return StatusMaintenance, nil
	}

	events, err := g.events.RecentByDevice(ctx, deviceID, time.Now().UTC().Add(-lookback))
	if err != nil {
		return "", fmt.Errorf("failed to replay events: %w", err)
	}

	status := StatusOffline
	for _, ev := range events {
		status = NextStatus(status, ev.EventType)
	}

	if status != device.Status {
		if err := g.registry.SetStatus(ctx, deviceID, status); err != nil {
			return "", fmt.Errorf("failed to repair device status: %w", err)
		}
		g.logger.Info("device status repaired by replay",
			"device_id", deviceID,
			"old_status", device.Status,
			"new_status", status,
			"events_replayed", len(events),
		)
	}
	return status, nil
}
