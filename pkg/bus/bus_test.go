package bus_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fieldwatch.dev/fieldwatch/pkg/bus"
)

var _ = Describe("Bus", func() {
	var (
		logger  *slog.Logger
		changes *bus.Bus
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		changes = bus.New(logger)
	})

	AfterEach(func() {
		changes.Close()
	})

	It("delivers published events to a subscriber", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := changes.Subscribe(ctx, nil)
		changes.Publish(bus.ChangeEvent{
			Entity:   bus.EntityDevice,
			EntityID: "dev-1",
			Mutation: bus.MutationUpdated,
		})

		var received bus.ChangeEvent
		Eventually(ch).Should(Receive(&received))
		Expect(received.Entity).To(Equal(bus.EntityDevice))
		Expect(received.EntityID).To(Equal("dev-1"))
		Expect(received.Mutation).To(Equal(bus.MutationUpdated))
		Expect(received.At).NotTo(BeZero())
	})

	It("fans out to multiple subscribers", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch1 := changes.Subscribe(ctx, nil)
		ch2 := changes.Subscribe(ctx, nil)

		changes.Publish(bus.ChangeEvent{Entity: bus.EntityEvent, EntityID: "1", Mutation: bus.MutationCreated})

		Eventually(ch1).Should(Receive())
		Eventually(ch2).Should(Receive())
	})

	It("applies the subscriber filter", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := changes.Subscribe(ctx, func(ev bus.ChangeEvent) bool {
			return ev.Entity == bus.EntityDispatch
		})

		changes.Publish(bus.ChangeEvent{Entity: bus.EntityDevice, EntityID: "dev-1", Mutation: bus.MutationUpdated})
		changes.Publish(bus.ChangeEvent{Entity: bus.EntityDispatch, EntityID: "disp-1", Mutation: bus.MutationCreated})

		var received bus.ChangeEvent
		Eventually(ch).Should(Receive(&received))
		Expect(received.Entity).To(Equal(bus.EntityDispatch))
		Consistently(ch).ShouldNot(Receive())
	})

	It("preserves publish order for one subscriber", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := changes.Subscribe(ctx, nil)
		for i := 0; i < 10; i++ {
			changes.Publish(bus.ChangeEvent{
				Entity:   bus.EntityEvent,
				EntityID: fmt.Sprintf("%d", i),
				Mutation: bus.MutationCreated,
			})
		}

		for i := 0; i < 10; i++ {
			var received bus.ChangeEvent
			Eventually(ch).Should(Receive(&received))
			Expect(received.EntityID).To(Equal(fmt.Sprintf("%d", i)))
		}
	})

	It("drops events instead of blocking a slow subscriber", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := changes.Subscribe(ctx, nil)

		// Overflow the buffer without draining; publishing must not block.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 200; i++ {
				changes.Publish(bus.ChangeEvent{Entity: bus.EntityEvent, EntityID: "x", Mutation: bus.MutationCreated})
			}
		}()
		Eventually(done).Should(BeClosed())

		// The buffer holds at most its capacity; the rest were dropped.
		drained := 0
		for {
			select {
			case <-ch:
				drained++
				continue
			default:
			}
			break
		}
		Expect(drained).To(BeNumerically(">", 0))
		Expect(drained).To(BeNumerically("<", 200))
	})

	It("closes the subscriber channel on context cancellation", func() {
		ctx, cancel := context.WithCancel(context.Background())
		ch := changes.Subscribe(ctx, nil)

		cancel()
		Eventually(ch).Should(BeClosed())
	})

	It("closes all subscriber channels on shutdown", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch1 := changes.Subscribe(ctx, nil)
		ch2 := changes.Subscribe(ctx, nil)

		changes.Close()
		Eventually(ch1).Should(BeClosed())
		Eventually(ch2).Should(BeClosed())
	})

	It("ignores publishes after shutdown", func() {
		changes.Close()
		Expect(func() {
			changes.Publish(bus.ChangeEvent{Entity: bus.EntityDevice, EntityID: "dev-1", Mutation: bus.MutationUpdated})
		}).NotTo(Panic())
	})

	It("returns a closed channel when subscribing after shutdown", func() {
		changes.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := changes.Subscribe(ctx, nil)
		Expect(ch).To(BeClosed())
	})
})
