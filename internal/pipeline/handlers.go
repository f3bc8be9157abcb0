package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldwatch.dev/fieldwatch/pkg/bus"
)

// corsHeaders answers the permissive CORS contract of the device webhook.
// Devices and field tooling post from arbitrary origins.
func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleWebhookOptions answers the CORS preflight with no body.
func (s *Server) handleWebhookOptions(w http.ResponseWriter, _ *http.Request) {
	corsHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// handleWebhook ingests one monitoring event posted by a device.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	// Devices are resource-constrained and retry on their own; fail fast
	// instead of hanging.
	timeout := s.config.IngestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := s.gateway.Ingest(ctx, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPayload):
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, ErrUnknownDevice):
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not found"})
		default:
			s.logger.Error("ingest failed", "error", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to record event"})
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"event_id":    result.EventID,
		"device_name": result.DeviceName,
	})
}

// handleListDevices serves the device list, newest first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list devices"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type provisionRequest struct {
	IMEI            string `json:"imei"`
	ClientID        string `json:"client_id"`
	DeviceName      string `json:"device_name"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
}

// handleProvisionDevice explicitly registers a device to a client.
func (s *Server) handleProvisionDevice(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	if req.IMEI == "" || req.ClientID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "imei and client_id are required"})
		return
	}

	client, err := s.registry.LookupClient(r.Context(), req.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "client not found"})
			return
		}
		s.logger.Error("client lookup failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to look up client"})
		return
	}

	name := req.DeviceName
	if name == "" {
		name = fmt.Sprintf("%s %s", client.Name, req.DeviceType)
	}

	device := &Device{
		IMEI:            req.IMEI,
		ClientID:        client.ID,
		DeviceName:      name,
		DeviceType:      req.DeviceType,
		FirmwareVersion: req.FirmwareVersion,
		Status:          StatusOffline,
	}
	if err := s.registry.Provision(r.Context(), device); err != nil {
		s.logger.Error("failed to provision device", "imei", req.IMEI, "error", err)
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "failed to provision device"})
		return
	}

	s.bus.Publish(bus.ChangeEvent{
		Entity:   bus.EntityDevice,
		EntityID: device.ID,
		Mutation: bus.MutationCreated,
	})
	s.writeJSON(w, http.StatusCreated, device)
}

// handleDeviceEvents serves cursor-paginated events for one device, newest
// first. The before parameter is the event ID boundary from the previous
// page.
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	var before uint
	if v := r.URL.Query().Get("before"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			before = uint(parsed)
		}
	}

	events, err := s.events.ListByDevice(r.Context(), deviceID, limit, before)
	if err != nil {
		s.logger.Error("failed to list events", "device_id", deviceID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list events"})
		return
	}

	var nextBefore uint
	if len(events) == limit {
		nextBefore = events[len(events)-1].ID
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_before": nextBefore,
	})
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// handleMaintenance enters or clears the operator maintenance override.
// Clearing replays recent events so the device lands on its true derived
// status instead of a guess.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	if req.Enabled {
		if err := s.registry.ForceStatus(r.Context(), deviceID, StatusMaintenance); err != nil {
			s.maintenanceError(w, deviceID, err)
			return
		}
	} else {
		if err := s.registry.ForceStatus(r.Context(), deviceID, StatusOffline); err != nil {
			s.maintenanceError(w, deviceID, err)
			return
		}
		if _, err := s.gateway.RecomputeStatus(r.Context(), deviceID, s.config.LivenessThreshold); err != nil {
			s.logger.Error("failed to recompute status after maintenance",
				"device_id", deviceID,
				"error", err,
			)
		}
	}

	device, err := s.registry.ResolveByID(r.Context(), deviceID)
	if err != nil {
		s.maintenanceError(w, deviceID, err)
		return
	}

	s.bus.Publish(bus.ChangeEvent{
		Entity:   bus.EntityDevice,
		EntityID: deviceID,
		Mutation: bus.MutationUpdated,
	})
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) maintenanceError(w http.ResponseWriter, deviceID string, err error) {
	if errors.Is(err, ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not found"})
		return
	}
	s.logger.Error("maintenance update failed", "device_id", deviceID, "error", err)
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to update device"})
}

// handleListDispatches surfaces dispatch bookkeeping, including
// failed_permanent rows, to operators.
func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	status := DispatchStatus(r.URL.Query().Get("status"))

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	dispatches, err := s.dispatches.ListByStatus(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list dispatches", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list dispatches"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dispatches": dispatches})
}

// handleStream bridges the change notification bus onto a Server-Sent
// Events feed. Subscribers may filter by entity kind; disconnecting cancels
// the subscription without affecting publishers.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var filter bus.Filter
	if kind := r.URL.Query().Get("entity"); kind != "" {
		want := bus.EntityKind(kind)
		filter = func(ev bus.ChangeEvent) bool { return ev.Entity == want }
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	corsHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.SSESubscribers.Inc()
		defer s.metrics.SSESubscribers.Dec()
	}

	changes := s.bus.Subscribe(r.Context(), filter)
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-changes:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
