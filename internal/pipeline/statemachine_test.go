package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fieldwatch.dev/fieldwatch/internal/pipeline"
)

var _ = Describe("NextStatus", func() {
	DescribeTable("status transitions",
		func(current pipeline.DeviceStatus, eventType pipeline.EventType, expected pipeline.DeviceStatus) {
			Expect(pipeline.NextStatus(current, eventType)).To(Equal(expected))
		},

		// Liveness events bring a device online from any non-maintenance state.
		Entry("heartbeat from offline", pipeline.StatusOffline, pipeline.EventHeartbeat, pipeline.StatusOnline),
		Entry("heartbeat from online", pipeline.StatusOnline, pipeline.EventHeartbeat, pipeline.StatusOnline),
		Entry("heartbeat clears alarm", pipeline.StatusAlarm, pipeline.EventHeartbeat, pipeline.StatusOnline),
		Entry("gps position from offline", pipeline.StatusOffline, pipeline.EventGPSPosition, pipeline.StatusOnline),
		Entry("arm from offline", pipeline.StatusOffline, pipeline.EventArm, pipeline.StatusOnline),
		Entry("disarm clears alarm", pipeline.StatusAlarm, pipeline.EventDisarm, pipeline.StatusOnline),

		// Alarm conditions.
		Entry("alarm from online", pipeline.StatusOnline, pipeline.EventAlarm, pipeline.StatusAlarm),
		Entry("alarm from offline", pipeline.StatusOffline, pipeline.EventAlarm, pipeline.StatusAlarm),
		Entry("zone violation from online", pipeline.StatusOnline, pipeline.EventZoneViolation, pipeline.StatusAlarm),
		Entry("tamper alert from online", pipeline.StatusOnline, pipeline.EventTamperAlert, pipeline.StatusAlarm),

		// Loss-of-service events.
		Entry("power failure from online", pipeline.StatusOnline, pipeline.EventPowerFailure, pipeline.StatusOffline),
		Entry("signal loss from online", pipeline.StatusOnline, pipeline.EventSignalLoss, pipeline.StatusOffline),
		Entry("signal loss from alarm", pipeline.StatusAlarm, pipeline.EventSignalLoss, pipeline.StatusOffline),

		// Informational events leave the status untouched.
		Entry("battery low keeps online", pipeline.StatusOnline, pipeline.EventBatteryLow, pipeline.StatusOnline),
		Entry("battery low keeps offline", pipeline.StatusOffline, pipeline.EventBatteryLow, pipeline.StatusOffline),
		Entry("battery low keeps alarm", pipeline.StatusAlarm, pipeline.EventBatteryLow, pipeline.StatusAlarm),
		Entry("device reset keeps online", pipeline.StatusOnline, pipeline.EventDeviceReset, pipeline.StatusOnline),
		Entry("maintenance event keeps online", pipeline.StatusOnline, pipeline.EventMaintenance, pipeline.StatusOnline),
	)

	Context("when the device is in maintenance", func() {
		It("ignores every event type", func() {
			eventTypes := []pipeline.EventType{
				pipeline.EventHeartbeat,
				pipeline.EventAlarm,
				pipeline.EventDisarm,
				pipeline.EventArm,
				pipeline.EventZoneViolation,
				pipeline.EventBatteryLow,
				pipeline.EventPowerFailure,
				pipeline.EventSignalLoss,
				pipeline.EventMaintenance,
				pipeline.EventGPSPosition,
				pipeline.EventDeviceReset,
				pipeline.EventTamperAlert,
			}

			for _, eventType := range eventTypes {
				Expect(pipeline.NextStatus(pipeline.StatusMaintenance, eventType)).
					To(Equal(pipeline.StatusMaintenance), "event type %s", eventType)
			}
		})
	})
})
