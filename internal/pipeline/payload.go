package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IngestRequest is a parsed, validated webhook payload.
type IngestRequest struct {
	IMEI           string
	EventType      EventType
	EventData      json.RawMessage
	Latitude       *float64
	Longitude      *float64
	BatteryLevel   *int
	SignalStrength *int
	// Timestamp is device-reported and optional. Devices commonly send
	// skewed, absent, or unparseable clocks; the server receipt time stays
	// authoritative for ordering either way.
	Timestamp *time.Time
}

// webhookEnvelope matches the wire format. Numeric fields arrive as JSON
// numbers or as numeric strings depending on device firmware, so they are
// captured raw and coerced after decode.
type webhookEnvelope struct {
	DeviceIMEI     string          `json:"device_imei"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Latitude       json.RawMessage `json:"latitude"`
	Longitude      json.RawMessage `json:"longitude"`
	BatteryLevel   json.RawMessage `json:"battery_level"`
	SignalStrength json.RawMessage `json:"signal_strength"`
	Timestamp      string          `json:"timestamp"`
}

// ParsePayload parses a raw webhook body. Missing or unusable device_imei or
// event_type is a hard ErrInvalidPayload; every other field that fails to
// parse is treated as absent.
func ParsePayload(raw []byte) (*IngestRequest, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON body", ErrInvalidPayload)
	}

	imei := strings.TrimSpace(env.DeviceIMEI)
	if imei == "" {
		return nil, fmt.Errorf("%w: device_imei is required", ErrInvalidPayload)
	}

	eventType := EventType(strings.TrimSpace(env.EventType))
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidPayload)
	}
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event_type %q", ErrInvalidPayload, env.EventType)
	}

	req := &IngestRequest{
		IMEI:           imei,
		EventType:      eventType,
		EventData:      env.EventData,
		Latitude:       parseFlexFloat(env.Latitude),
		Longitude:      parseFlexFloat(env.Longitude),
		BatteryLevel:   parseFlexInt(env.BatteryLevel),
		SignalStrength: parseFlexInt(env.SignalStrength),
	}

	if env.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			utc := ts.UTC()
			req.Timestamp = &utc
		}
	}

	return req, nil
}

// parseFlexFloat accepts a JSON number or a numeric string. Anything else is
// treated as absent, never as a request failure.
func parseFlexFloat(raw json.RawMessage) *float64 {
	s := flexString(raw)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseFlexInt accepts a JSON number or a numeric string, truncating
// fractional values the way the devices themselves round battery readings.
func parseFlexInt(raw json.RawMessage) *int {
	f := parseFlexFloat(raw)
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

func flexString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err != nil {
			return ""
		}
		return strings.TrimSpace(unquoted)
	}
	return s
}
