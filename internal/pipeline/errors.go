package pipeline

import "errors"

var (
	// ErrInvalidPayload is returned when a webhook payload is missing or has
	// an unparseable IMEI or event type. Rejected before any store mutation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownDevice is returned when the IMEI is not registered and
	// auto-provisioning is disabled.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrStoreUnavailable is returned when the event append itself fails.
	// The caller should retry; nothing was durably recorded.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by lookups that found no matching record.
	ErrNotFound = errors.New("not found")
)
