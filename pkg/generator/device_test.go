package generator_test

import (
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fieldwatch.dev/fieldwatch/pkg/generator"
)

var _ = Describe("FleetDevice", func() {
	Describe("NewFleetDevice", func() {
		It("generates a 15-digit IMEI", func() {
			device := generator.NewFleetDevice()
			Expect(device).NotTo(BeNil())
			Expect(device.IMEI).To(HaveLen(15))
			_, err := strconv.ParseUint(device.IMEI, 10, 64)
			Expect(err).NotTo(HaveOccurred())
		})

		It("picks a known device type", func() {
			device := generator.NewFleetDevice()
			Expect(device.DeviceType).To(BeElementOf("alarm_panel", "gps_tracker"))
		})

		It("generates distinct identities", func() {
			a := generator.NewFleetDevice()
			b := generator.NewFleetDevice()
			Expect(a.IMEI).NotTo(Equal(b.IMEI))
		})
	})

	Describe("NextEvent", func() {
		It("produces a well-formed webhook payload", func() {
			device := generator.NewFleetDevice()
			now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

			payload := device.NextEvent(now)
			Expect(payload.DeviceIMEI).To(Equal(device.IMEI))
			Expect(payload.EventType).NotTo(BeEmpty())
			Expect(payload.Timestamp).To(Equal("2026-08-30T12:00:00Z"))

			battery, err := strconv.Atoi(payload.BatteryLevel)
			Expect(err).NotTo(HaveOccurred())
			Expect(battery).To(BeNumerically(">=", 0))
			Expect(battery).To(BeNumerically("<=", 100))
			Expect(payload.SignalStrength).To(BeNumerically(">=", 0))
			Expect(payload.SignalStrength).To(BeNumerically("<=", 100))
		})

		It("only emits accepted event types", func() {
			device := generator.NewFleetDevice()
			accepted := map[string]bool{
				"heartbeat":      true,
				"gps_position":   true,
				"alarm":          true,
				"zone_violation": true,
				"battery_low":    true,
			}

			for i := 0; i < 500; i++ {
				payload := device.NextEvent(time.Now())
				Expect(accepted).To(HaveKey(payload.EventType))
			}
		})

		It("keeps the battery within bounds over time", func() {
			device := generator.NewFleetDevice()
			for i := 0; i < 1000; i++ {
				payload := device.NextEvent(time.Now())
				battery, err := strconv.Atoi(payload.BatteryLevel)
				Expect(err).NotTo(HaveOccurred())
				Expect(battery).To(BeNumerically(">=", 0))
				Expect(battery).To(BeNumerically("<=", 100))
			}
		})
	})
})
