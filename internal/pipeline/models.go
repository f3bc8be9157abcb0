// Package pipeline implements the monitoring ingestion pipeline: webhook
// ingestion, durable event storage, device state tracking, and alert dispatch.
package pipeline

import (
	"encoding/json"
	"strings"
	"time"
)

// DeviceStatus is the derived operational state of a monitoring device.
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusAlarm       DeviceStatus = "alarm"
	StatusMaintenance DeviceStatus = "maintenance"
)

// EventType enumerates the event types accepted from monitoring devices.
type EventType string

const (
	EventHeartbeat     EventType = "heartbeat"
	EventAlarm         EventType = "alarm"
	EventDisarm        EventType = "disarm"
	EventArm           EventType = "arm"
	EventZoneViolation EventType = "zone_violation"
	EventBatteryLow    EventType = "battery_low"
	EventPowerFailure  EventType = "power_failure"
	EventSignalLoss    EventType = "signal_loss"
	EventMaintenance   EventType = "maintenance"
	EventGPSPosition   EventType = "gps_position"
	EventDeviceReset   EventType = "device_reset"
	EventTamperAlert   EventType = "tamper_alert"
)

var knownEventTypes = map[EventType]struct{}{
	EventHeartbeat:     {},
	EventAlarm:         {},
	EventDisarm:        {},
	EventArm:           {},
	EventZoneViolation: {},
	EventBatteryLow:    {},
	EventPowerFailure:  {},
	EventSignalLoss:    {},
	EventMaintenance:   {},
	EventGPSPosition:   {},
	EventDeviceReset:   {},
	EventTamperAlert:   {},
}

// Valid reports whether t is one of the accepted event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Critical reports whether events of this type must be evaluated against
// alert rules.
func (t EventType) Critical() bool {
	switch t {
	case EventAlarm, EventZoneViolation, EventTamperAlert, EventPowerFailure:
		return true
	}
	return false
}

// Client is a read-only view of the owning client record. The pipeline
// consumes it during device provisioning and never mutates it.
type Client struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Client model.
func (Client) TableName() string {
	return "clients"
}

// Device represents a physical monitoring device (alarm panel, GPS tracker)
// identified externally by its IMEI.
type Device struct {
	ID                string       `gorm:"primaryKey" json:"id"`
	IMEI              string       `gorm:"column:imei;uniqueIndex;not null" json:"imei"`
	ClientID          string       `gorm:"index" json:"client_id"`
	DeviceName        string       `json:"device_name"`
	DeviceType        string       `json:"device_type"`
	Status            DeviceStatus `gorm:"not null;default:offline" json:"status"`
	LastCommunication *time.Time   `gorm:"index" json:"last_communication,omitempty"`
	BatteryLevel      *int         `json:"battery_level,omitempty"`
	SignalStrength    *int         `json:"signal_strength,omitempty"`
	FirmwareVersion   string       `json:"firmware_version,omitempty"`
	CreatedAt         time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "monitoring_devices"
}

// Event is an immutable telemetry record appended by the ingestion gateway.
// ReceivedAt is server-assigned and is the authoritative ordering key; the
// device-reported Timestamp is kept for dedup and display only.
type Event struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	DeviceID       string          `gorm:"index:idx_events_device_received;not null" json:"device_id"`
	EventType      EventType       `gorm:"index;not null" json:"event_type"`
	EventData      json.RawMessage `gorm:"type:jsonb" json:"event_data,omitempty"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	BatteryLevel   *int            `json:"battery_level,omitempty"`
	SignalStrength *int            `json:"signal_strength,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	ReceivedAt     time.Time       `gorm:"index:idx_events_device_received;not null" json:"received_at"`
	Processed      bool            `gorm:"not null;default:false" json:"processed"`
	AlertSent      bool            `gorm:"not null;default:false" json:"alert_sent"`
}

// TableName specifies the table name for Event model.
func (Event) TableName() string {
	return "monitoring_events"
}

// AlertRule configures which event types trigger alerting for a device.
// Rules are operator-managed and read-only from the pipeline's perspective.
type AlertRule struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	DeviceID     string    `gorm:"index;not null" json:"device_id"`
	Name         string    `json:"name"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	TriggerTypes string    `gorm:"not null" json:"trigger_types"`
	NotifyURL    string    `json:"notify_url"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for AlertRule model.
func (AlertRule) TableName() string {
	return "monitoring_alerts"
}

// Triggers returns the trigger set as event types. TriggerTypes is stored as
// a comma-separated list.
func (r AlertRule) Triggers() []EventType {
	parts := strings.Split(r.TriggerTypes, ",")
	types := make([]EventType, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		types = append(types, EventType(p))
	}
	return types
}

// Matches reports whether the rule's trigger set contains the event type.
func (r AlertRule) Matches(t EventType) bool {
	for _, trigger := range r.Triggers() {
		if trigger == t {
			return true
		}
	}
	return false
}

// DispatchStatus is the delivery state of an alert dispatch.
type DispatchStatus string

const (
	DispatchPending         DispatchStatus = "pending"
	DispatchDelivered       DispatchStatus = "delivered"
	DispatchFailedPermanent DispatchStatus = "failed_permanent"
)

// AlertDispatch tracks one alert delivery, created when a critical event
// matches an active rule and mutated by the dispatcher until terminal.
type AlertDispatch struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	EventID       uint           `gorm:"index;not null" json:"event_id"`
	RuleID        string         `gorm:"index;not null" json:"rule_id"`
	DeviceID      string         `gorm:"index;not null" json:"device_id"`
	AttemptCount  int            `gorm:"not null;default:0" json:"attempt_count"`
	Status        DispatchStatus `gorm:"index;not null;default:pending" json:"status"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for AlertDispatch model.
func (AlertDispatch) TableName() string {
	return "alert_dispatches"
}
