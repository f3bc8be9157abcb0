// Package generator produces synthetic security-device fleets and webhook
// traffic for load and integration testing.
package generator

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// FleetDevice is one simulated monitoring device.
type FleetDevice struct {
	IMEI       string
	DeviceName string  `fake:"{company}"`
	DeviceType string  `fake:"{randomstring:[alarm_panel,gps_tracker]}"`
	Firmware   string  `fake:"{appversion}"`
	Latitude   float64 `fake:"{latitude}"`
	Longitude  float64 `fake:"{longitude}"`

	battery int
	signal  int
}

// NewFleetDevice creates a simulated device with a random identity, a full
// battery, and decent signal.
func NewFleetDevice() *FleetDevice {
	var device FleetDevice
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.IMEI = gofakeit.Numerify("###############")
	device.battery = 80 + rand.Intn(21)
	device.signal = 50 + rand.Intn(51)
	return &device
}

// WebhookPayload is the JSON body the simulator posts to the ingestion
// webhook. Battery and signal are sent as strings on purpose: real trackers
// mix numeric and string encodings, and the gateway must cope with both.
type WebhookPayload struct {
	DeviceIMEI     string          `json:"device_imei"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data,omitempty"`
	Latitude       float64         `json:"latitude,omitempty"`
	Longitude      float64         `json:"longitude,omitempty"`
	BatteryLevel   string          `json:"battery_level,omitempty"`
	SignalStrength int             `json:"signal_strength,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

// NextEvent advances the device simulation one tick and returns the payload
// to post. Mostly heartbeats; trackers drift position, batteries drain, and
// the occasional alarm or battery_low fires.
func (d *FleetDevice) NextEvent(now time.Time) *WebhookPayload {
	// Slow battery drain with occasional recharge.
	if rand.Float64() < 0.02 {
		d.battery = 100
	} else if rand.Float64() < 0.3 && d.battery > 0 {
		d.battery--
	}
	d.signal += rand.Intn(11) - 5
	if d.signal < 0 {
		d.signal = 0
	}
	if d.signal > 100 {
		d.signal = 100
	}

	eventType := "heartbeat"
	roll := rand.Float64()
	switch {
	case d.battery <= 15 && roll < 0.5:
		eventType = "battery_low"
	case roll < 0.02:
		eventType = "alarm"
	case roll < 0.04:
		eventType = "zone_violation"
	case d.DeviceType == "gps_tracker" && roll < 0.5:
		eventType = "gps_position"
		d.Latitude += (rand.Float64() - 0.5) * 0.001
		d.Longitude += (rand.Float64() - 0.5) * 0.001
	}

	payload := &WebhookPayload{
		DeviceIMEI:     d.IMEI,
		EventType:      eventType,
		BatteryLevel:   strconv.Itoa(d.battery),
		SignalStrength: d.signal,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
	if eventType == "gps_position" || d.DeviceType == "gps_tracker" {
		payload.Latitude = d.Latitude
		payload.Longitude = d.Longitude
	}
	return payload
}
