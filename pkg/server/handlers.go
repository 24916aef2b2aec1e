package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"voicesdr/pkg/evolution"
	"voicesdr/pkg/webhook"
)

// maxWebhookBody bounds inbound webhook payloads. Media comes by
// reference, so real deliveries are small.
const maxWebhookBody = 1 << 20

// handleVerify answers the gateway's subscription challenge.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == s.cfg.Security.VerifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}

	s.log.Warn("Webhook verification rejected", "mode", mode)
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhook ingests one gateway delivery.
//
// After the signature check every outcome is a 200: the gateway treats
// non-2xx as a delivery failure and retries, which would replay messages
// the bot has already decided to drop. The body says whether the message
// entered the pipeline. Dispatch itself is asynchronous, so the response
// never waits on pipeline work.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if secret := s.cfg.Security.AppSecret; secret != "" {
		if !validSignature(secret, r.Header.Get("X-Hub-Signature-256"), body) {
			s.log.Warn("Webhook signature rejected")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	s.counters.IncReceived()

	event, err := webhook.Normalize(body)
	if err != nil {
		s.log.Warn("Unparseable webhook body", "error", err)
		s.ackIgnored(w)
		return
	}

	switch event.Kind {
	case webhook.KindConnection:
		s.mu.Lock()
		s.connState = event.Connection.State
		s.mu.Unlock()
		s.log.Info("Connection state changed", "state", event.Connection.State)
		s.ackIgnored(w)

	case webhook.KindQRCode:
		s.mu.Lock()
		s.lastQRCode = event.QRCode.Code
		s.mu.Unlock()
		s.log.Info("QR code updated")
		s.ackIgnored(w)

	case webhook.KindMessage:
		if s.ingestMessage(event.Message) {
			s.writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
		} else {
			s.ackIgnored(w)
		}

	default:
		s.ackIgnored(w)
	}
}

// ingestMessage reports whether the message made it into the pipeline.
func (s *Server) ingestMessage(msg *webhook.NormalizedMessage) bool {
	accepted, reason := webhook.Filter(msg, time.Now(), s.window)
	if !accepted {
		s.log.Info("Message rejected by filter",
			"reason", reason,
			"sender_id", msg.SenderID,
			"message_id", msg.MessageID,
		)
		return false
	}

	if !s.dispatcher.Dispatch(msg) {
		s.log.Warn("Dispatcher is shutting down, message dropped", "message_id", msg.MessageID)
		return false
	}
	return true
}

func (s *Server) ackIgnored(w http.ResponseWriter) {
	s.counters.IncIgnored()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"metrics":        s.counters.Snapshot(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.gateway.ConnectionState(r.Context())
	if err != nil {
		s.mu.Lock()
		state = s.connState
		s.mu.Unlock()
		s.log.Warn("Connection state probe failed, using last known", "error", err)
	}

	payload := map[string]any{
		"connection_state": state,
		"in_flight":        s.dispatcher.InFlight(),
	}
	if s.status != nil {
		payload["active_model"] = s.status.ActiveModel()
		payload["model_degraded"] = s.status.Degraded()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// handleQRCode provisions the instance if needed and returns the pairing
// QR code. Falls back to the last code pushed over the webhook.
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	qr, err := s.gateway.EnsureInstance(r.Context())
	if err != nil {
		if errors.Is(err, evolution.ErrBusy) {
			s.writeJSON(w, http.StatusConflict, map[string]any{"error": "provisioning in progress"})
			return
		}
		s.log.Error("Instance provisioning failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": "gateway unavailable"})
		return
	}

	if qr == "" {
		s.mu.Lock()
		qr = s.lastQRCode
		s.mu.Unlock()
	}
	if qr == "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "already connected"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"qrcode": qr})
}

// handleReset tears the instance down and provisions a fresh one so the
// number can be re-paired.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.DeleteInstance(r.Context()); err != nil {
		if errors.Is(err, evolution.ErrBusy) {
			s.writeJSON(w, http.StatusConflict, map[string]any{"error": "provisioning in progress"})
			return
		}
		s.log.Error("Instance delete failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": "gateway unavailable"})
		return
	}

	qr, err := s.gateway.EnsureInstance(r.Context())
	if err != nil {
		s.log.Error("Instance re-creation failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": "instance deleted but re-creation failed"})
		return
	}

	s.mu.Lock()
	s.lastQRCode = qr
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "qrcode": qr})
}

// handleCleanup sweeps orphaned scratch files. Without max_age_minutes
// the sweep removes every scratch file regardless of age.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("max_age_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid max_age_minutes"})
			return
		}
		maxAge = time.Duration(minutes) * time.Minute
	}

	removed := s.temps.Sweep(maxAge)
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}
