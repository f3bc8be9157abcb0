package pipeline_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"fieldwatch.dev/fieldwatch/internal/pipeline"
)

var _ = Describe("WebhookSink", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewWebhookSink", func() {
		It("requires a URL", func() {
			_, err := pipeline.NewWebhookSink("", time.Second, logger)
			Expect(err).To(HaveOccurred())
		})

		It("requires a logger", func() {
			_, err := pipeline.NewWebhookSink("http://localhost:9999", time.Second, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Send", func() {
		notification := &pipeline.Notification{
			DispatchID: "dispatch-1",
			RuleID:     "rule-1",
			RuleName:   "Night alarm",
			DeviceID:   "dev-1",
			DeviceName: "Warehouse Panel",
			IMEI:       "123456789012345",
			EventID:    7,
			EventType:  pipeline.EventAlarm,
			OccurredAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		}

		It("posts the notification as JSON and succeeds on 2xx", func() {
			var received pipeline.Notification
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Method).To(Equal(http.MethodPost))
				Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(json.NewDecoder(r.Body).Decode(&received)).To(Succeed())
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			sink, err := pipeline.NewWebhookSink(server.URL, time.Second, logger)
			Expect(err).NotTo(HaveOccurred())

			Expect(sink.Send(context.Background(), notification)).To(Succeed())
			Expect(received.DispatchID).To(Equal("dispatch-1"))
			Expect(received.EventType).To(Equal(pipeline.EventAlarm))
			Expect(received.IMEI).To(Equal("123456789012345"))
		})

		It("treats a 4xx as a permanent failure", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
			}))
			defer server.Close()

			sink, err := pipeline.NewWebhookSink(server.URL, time.Second, logger)
			Expect(err).NotTo(HaveOccurred())

			err = sink.Send(context.Background(), notification)
			Expect(err).To(MatchError(pipeline.ErrPermanentDelivery))
		})

		It("treats a 5xx as retryable", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			}))
			defer server.Close()

			sink, err := pipeline.NewWebhookSink(server.URL, time.Second, logger)
			Expect(err).NotTo(HaveOccurred())

			err = sink.Send(context.Background(), notification)
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(pipeline.ErrPermanentDelivery))
		})

		It("treats a transport error as retryable", func() {
			sink, err := pipeline.NewWebhookSink("http://127.0.0.1:1", time.Second, logger)
			Expect(err).NotTo(HaveOccurred())

			err = sink.Send(context.Background(), notification)
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(pipeline.ErrPermanentDelivery))
		})

		It("honors the per-rule notify URL override", func() {
			defaultHits := 0
			defaultServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				defaultHits++
				w.WriteHeader(http.StatusOK)
			}))
			defer defaultServer.Close()

			overrideHits := 0
			overrideServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				overrideHits++
				w.WriteHeader(http.StatusOK)
			}))
			defer overrideServer.Close()

			sink, err := pipeline.NewWebhookSink(defaultServer.URL, time.Second, logger)
			Expect(err).NotTo(HaveOccurred())

			override := *notification
			override.NotifyURL = overrideServer.URL
			Expect(sink.Send(context.Background(), &override)).To(Succeed())
			Expect(overrideHits).To(Equal(1))
			Expect(defaultHits).To(BeZero())
		})
	})
})
