package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fieldwatch.dev/fieldwatch/internal/pipeline"
	"fieldwatch.dev/fieldwatch/pkg/bus"
)

// fakeRules serves a fixed rule set.
type fakeRules struct {
	rules []pipeline.AlertRule
	err   error
}

func (f *fakeRules) ActiveForDevice(_ context.Context, _ string) ([]pipeline.AlertRule, error) {
	return f.rules, f.err
}

func (f *fakeRules) GetByID(_ context.Context, ruleID string) (*pipeline.AlertRule, error) {
	for i := range f.rules {
		if f.rules[i].ID == ruleID {
			return &f.rules[i], nil
		}
	}
	return nil, pipeline.ErrNotFound
}

// fakeDispatches is an in-memory Dispatches implementation.
type fakeDispatches struct {
	mu        sync.Mutex
	created   []pipeline.AlertDispatch
	createErr error
	nextID    int
}

func (f *fakeDispatches) Create(_ context.Context, dispatch *pipeline.AlertDispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	dispatch.ID = fmt.Sprintf("dispatch-%d", f.nextID)
	f.created = append(f.created, *dispatch)
	return nil
}

func (f *fakeDispatches) GetByID(_ context.Context, dispatchID string) (*pipeline.AlertDispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.created {
		if f.created[i].ID == dispatchID {
			copied := f.created[i]
			return &copied, nil
		}
	}
	return nil, pipeline.ErrNotFound
}

func (f *fakeDispatches) RecordAttempt(_ context.Context, dispatchID string, status pipeline.DispatchStatus, attemptErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.created {
		if f.created[i].ID == dispatchID {
			f.created[i].AttemptCount++
			f.created[i].Status = status
			if attemptErr != nil {
				f.created[i].LastError = attemptErr.Error()
			}
			return nil
		}
	}
	return pipeline.ErrNotFound
}

func (f *fakeDispatches) ListStalePending(_ context.Context, _ time.Time, _ int) ([]pipeline.AlertDispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pipeline.AlertDispatch
	for _, d := range f.created {
		if d.Status == pipeline.DispatchPending {
			out = append(out, d)
		}
	}
	return out, nil
}

// fakeQueue records pushed dispatch messages.
type fakeQueue struct {
	mu     sync.Mutex
	pushed [][]byte
	err    error
}

func (f *fakeQueue) Push(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, data)
	return nil
}

var _ = Describe("Evaluator", func() {
	var (
		logger     *slog.Logger
		rules      *fakeRules
		dispatches *fakeDispatches
		events     *fakeEvents
		queue      *fakeQueue
		changes    *bus.Bus
		device     *pipeline.Device
		event      *pipeline.Event
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		rules = &fakeRules{}
		dispatches = &fakeDispatches{}
		events = newFakeEvents()
		queue = &fakeQueue{}
		changes = bus.New(logger)
		device = &pipeline.Device{ID: "dev-1", IMEI: "123456789012345"}
		event = &pipeline.Event{ID: 7, DeviceID: "dev-1", EventType: pipeline.EventAlarm}
	})

	AfterEach(func() {
		changes.Close()
	})

	newEvaluator := func() *pipeline.Evaluator {
		ev, err := pipeline.NewEvaluator(&pipeline.EvaluatorConfig{
			Logger:     logger,
			Rules:      rules,
			Dispatches: dispatches,
			Events:     events,
			Queue:      queue,
			Bus:        changes,
		})
		Expect(err).NotTo(HaveOccurred())
		return ev
	}

	It("creates one dispatch per matching rule", func() {
		rules.rules = []pipeline.AlertRule{
			{ID: "rule-1", DeviceID: "dev-1", IsActive: true, TriggerTypes: "alarm,tamper_alert"},
			{ID: "rule-2", DeviceID: "dev-1", IsActive: true, TriggerTypes: "alarm"},
			{ID: "rule-3", DeviceID: "dev-1", IsActive: true, TriggerTypes: "power_failure"},
		}

		created, err := newEvaluator().Evaluate(context.Background(), device, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(HaveLen(2))
		Expect(dispatches.created).To(HaveLen(2))

		for _, d := range dispatches.created {
			Expect(d.EventID).To(Equal(uint(7)))
			Expect(d.DeviceID).To(Equal("dev-1"))
			Expect(d.Status).To(Equal(pipeline.DispatchPending))
		}
		Expect(events.alertSent).To(Equal([]uint{7}))
	})

	It("enqueues each created dispatch by ID", func() {
		rules.rules = []pipeline.AlertRule{
			{ID: "rule-1", DeviceID: "dev-1", IsActive: true, TriggerTypes: "alarm"},
		}

		_, err := newEvaluator().Evaluate(context.Background(), device, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(queue.pushed).To(HaveLen(1))

		var msg struct {
			DispatchID string `json:"dispatch_id"`
		}
		Expect(json.Unmarshal(queue.pushed[0], &msg)).To(Succeed())
		Expect(msg.DispatchID).To(Equal(dispatches.created[0].ID))
	})

	It("is a no-op when no rules match", func() {
		rules.rules = []pipeline.AlertRule{
			{ID: "rule-1", DeviceID: "dev-1", IsActive: true, TriggerTypes: "power_failure"},
		}

		created, err := newEvaluator().Evaluate(context.Background(), device, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeEmpty())
		Expect(queue.pushed).To(BeEmpty())
		Expect(events.alertSent).To(BeEmpty())
	})

	It("is a no-op when the device has no rules", func() {
		created, err := newEvaluator().Evaluate(context.Background(), device, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeEmpty())
	})

	It("fails when the rule store is unavailable", func() {
		rules.err = errors.New("connection refused")

		_, err := newEvaluator().Evaluate(context.Background(), device, event)
		Expect(err).To(HaveOccurred())
	})

	It("keeps the pending dispatch when the enqueue fails", func() {
		rules.rules = []pipeline.AlertRule{
			{ID: "rule-1", DeviceID: "dev-1", IsActive: true, TriggerTypes: "alarm"},
		}
		queue.err = errors.New("broker unreachable")

		created, err := newEvaluator().Evaluate(context.Background(), device, event)

		// The row survives for the requeue pass to pick up.
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(HaveLen(1))
		Expect(dispatches.created[0].Status).To(Equal(pipeline.DispatchPending))
	})

	It("skips rules whose dispatch row cannot be created", func() {
		rules.rules = []pipeline.AlertRule{
			{ID: "rule-1", DeviceID: "dev-1", IsActive: true, TriggerTypes: "alarm"},
		}
		dispatches.createErr = errors.New("constraint violation")

		created, err := newEvaluator().Evaluate(context.Background(), device, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeEmpty())
		Expect(queue.pushed).To(BeEmpty())
	})
})
