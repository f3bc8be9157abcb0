package pipeline_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fieldwatch.dev/fieldwatch/internal/pipeline"
)

var _ = Describe("ParsePayload", func() {
	Context("with a complete payload", func() {
		It("parses every field", func() {
			raw := []byte(`{
				"device_imei": "123456789012345",
				"event_type": "alarm",
				"event_data": {"zone": 3},
				"latitude": 52.52,
				"longitude": 13.405,
				"battery_level": 87,
				"signal_strength": 64,
				"timestamp": "2026-08-30T12:00:00Z"
			}`)

			req, err := pipeline.ParsePayload(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.IMEI).To(Equal("123456789012345"))
			Expect(req.EventType).To(Equal(pipeline.EventAlarm))
			Expect(req.EventData).To(MatchJSON(`{"zone": 3}`))
			Expect(req.Latitude).To(HaveValue(Equal(52.52)))
			Expect(req.Longitude).To(HaveValue(Equal(13.405)))
			Expect(req.BatteryLevel).To(HaveValue(Equal(87)))
			Expect(req.SignalStrength).To(HaveValue(Equal(64)))
			Expect(req.Timestamp).NotTo(BeNil())
			Expect(*req.Timestamp).To(Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)))
		})
	})

	Context("with stringified numerics", func() {
		It("parses numbers sent as strings", func() {
			raw := []byte(`{
				"device_imei": "123456789012345",
				"event_type": "heartbeat",
				"battery_level": "87",
				"signal_strength": "64",
				"latitude": "52.52"
			}`)

			req, err := pipeline.ParsePayload(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.BatteryLevel).To(HaveValue(Equal(87)))
			Expect(req.SignalStrength).To(HaveValue(Equal(64)))
			Expect(req.Latitude).To(HaveValue(Equal(52.52)))
		})

		It("truncates fractional battery readings", func() {
			raw := []byte(`{
				"device_imei": "123456789012345",
				"event_type": "heartbeat",
				"battery_level": "87.9"
			}`)

			req, err := pipeline.ParsePayload(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.BatteryLevel).To(HaveValue(Equal(87)))
		})
	})

	Context("with unusable optional fields", func() {
		It("treats garbage numerics as absent", func() {
			raw := []byte(`{
				"device_imei": "123456789012345",
				"event_type": "heartbeat",
				"battery_level": "full",
				"latitude": true
			}`)

			req, err := pipeline.ParsePayload(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.BatteryLevel).To(BeNil())
			Expect(req.Latitude).To(BeNil())
		})

		It("treats an unparseable timestamp as absent", func() {
			raw := []byte(`{
				"device_imei": "123456789012345",
				"event_type": "heartbeat",
				"timestamp": "yesterday around noon"
			}`)

			req, err := pipeline.ParsePayload(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Timestamp).To(BeNil())
		})

		It("normalizes timestamps to UTC", func() {
			raw := []byte(`{
				"device_imei": "123456789012345",
				"event_type": "heartbeat",
				"timestamp": "2026-08-30T14:00:00+02:00"
			}`)

			req, err := pipeline.ParsePayload(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Timestamp).NotTo(BeNil())
			Expect(*req.Timestamp).To(Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)))
		})
	})

	Context("with invalid payloads", func() {
		It("rejects malformed JSON", func() {
			_, err := pipeline.ParsePayload([]byte(`{not json`))
			Expect(err).To(MatchError(pipeline.ErrInvalidPayload))
		})

		It("rejects a missing device_imei", func() {
			_, err := pipeline.ParsePayload([]byte(`{"event_type": "heartbeat"}`))
			Expect(err).To(MatchError(pipeline.ErrInvalidPayload))
		})

		It("rejects a whitespace-only device_imei", func() {
			_, err := pipeline.ParsePayload([]byte(`{"device_imei": "   ", "event_type": "heartbeat"}`))
			Expect(err).To(MatchError(pipeline.ErrInvalidPayload))
		})

		It("rejects a missing event_type", func() {
			_, err := pipeline.ParsePayload([]byte(`{"device_imei": "123456789012345"}`))
			Expect(err).To(MatchError(pipeline.ErrInvalidPayload))
		})

		It("rejects an unknown event_type", func() {
			_, err := pipeline.ParsePayload([]byte(`{"device_imei": "123456789012345", "event_type": "teleport"}`))
			Expect(err).To(MatchError(pipeline.ErrInvalidPayload))
		})
	})
})
