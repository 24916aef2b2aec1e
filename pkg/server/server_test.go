package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voicesdr/pkg/config"
	"voicesdr/pkg/evolution"
	"voicesdr/pkg/metrics"
	"voicesdr/pkg/tempfiles"
	"voicesdr/pkg/webhook"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []*webhook.NormalizedMessage
	closed   bool
}

func (d *fakeDispatcher) Dispatch(msg *webhook.NormalizedMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.messages = append(d.messages, msg)
	return true
}

func (d *fakeDispatcher) InFlight() int { return 0 }

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

type fakeAdmin struct {
	qr        string
	state     string
	ensureErr error
	deleteErr error
	stateErr  error
	deleted   bool
}

func (a *fakeAdmin) EnsureInstance(context.Context) (string, error) { return a.qr, a.ensureErr }
func (a *fakeAdmin) ConnectionState(context.Context) (string, error) {
	return a.state, a.stateErr
}
func (a *fakeAdmin) DeleteInstance(context.Context) error {
	a.deleted = true
	return a.deleteErr
}

type fakeStatus struct {
	model    string
	degraded bool
}

func (s *fakeStatus) ActiveModel() string { return s.model }
func (s *fakeStatus) Degraded() bool      { return s.degraded }

type fixture struct {
	server     *Server
	dispatcher *fakeDispatcher
	admin      *fakeAdmin
	counters   *metrics.Counters
	temps      *tempfiles.Dir
}

func newFixture(t *testing.T, appSecret string) *fixture {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Security.VerifyToken = "verify-me"
	cfg.Security.AppSecret = appSecret

	temps, err := tempfiles.New(t.TempDir(), testLogger())
	require.NoError(t, err)

	f := &fixture{
		dispatcher: &fakeDispatcher{},
		admin:      &fakeAdmin{qr: "QR-CODE", state: "open"},
		counters:   metrics.New(),
		temps:      temps,
	}
	f.server = New(cfg, f.dispatcher, f.admin, &fakeStatus{model: "primary"}, f.counters, temps, testLogger())
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freshUpsertBody(t *testing.T) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`{
	  "event": "messages.upsert",
	  "data": {
	    "key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "MSG1"},
	    "messageType": "conversation",
	    "messageTimestamp": %d,
	    "message": {"conversation": "quero saber mais sobre consultoria"}
	  }
	}`, time.Now().Unix()))
}

func TestVerifyChallenge(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "12345", rec.Body.String())
}

func TestVerifyChallengeWrongToken(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookDispatchesFreshMessage(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(freshUpsertBody(t))))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())
	require.Equal(t, 1, f.dispatcher.count())
	require.Equal(t, "5511999999999@s.whatsapp.net", f.dispatcher.messages[0].SenderID)
	require.Equal(t, int64(1), f.counters.Snapshot().TotalReceived)
}

func TestWebhookSignatureValidation(t *testing.T) {
	f := newFixture(t, "shared-secret")
	body := freshUpsertBody(t)

	// Unsigned request is rejected before parsing.
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, 0, f.dispatcher.count())

	// Tampered signature is rejected.
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", signBody("wrong-secret", body))
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Correctly signed request goes through.
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", signBody("shared-secret", body))
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestWebhookAcksRejectedMessages(t *testing.T) {
	f := newFixture(t, "")

	stale := []byte(`{
	  "event": "messages.upsert",
	  "data": {
	    "key": {"remoteJid": "5511@s.whatsapp.net", "fromMe": false, "id": "OLD"},
	    "messageType": "conversation",
	    "messageTimestamp": 1700000000,
	    "message": {"conversation": "mensagem antiga do backfill"}
	  }
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(stale)))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "rejections must still be acked")
	require.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
	require.Equal(t, 0, f.dispatcher.count())
	require.Equal(t, int64(1), f.counters.Snapshot().Ignored)
}

func TestWebhookAcksMalformedBody(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), f.counters.Snapshot().Ignored)
}

func TestWebhookTracksConnectionAndQRCode(t *testing.T) {
	f := newFixture(t, "")

	for _, body := range []string{
		`{"event": "connection.update", "data": {"state": "connecting"}}`,
		`{"event": "qrcode.updated", "data": {"qrcode": "FRESH-QR"}}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	require.Equal(t, "connecting", f.server.connState)
	require.Equal(t, "FRESH-QR", f.server.lastQRCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Status  string           `json:"status"`
		Uptime  *int64           `json:"uptime_seconds"`
		Metrics metrics.Snapshot `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload.Status)
	require.NotNil(t, payload.Uptime)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "open", payload["connection_state"])
	require.Equal(t, "primary", payload["active_model"])
	require.Equal(t, false, payload["model_degraded"])
}

func TestQRCodeEndpoint(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/qrcode", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "QR-CODE")
}

func TestQRCodeBusyReturnsConflict(t *testing.T) {
	f := newFixture(t, "")
	f.admin.ensureErr = evolution.ErrBusy

	req := httptest.NewRequest(http.MethodGet, "/qrcode", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResetEndpoint(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		f := newFixture(t, "")

		req := httptest.NewRequest(method, "/reset", nil)
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, method)
		require.True(t, f.admin.deleted, method)
		require.Contains(t, rec.Body.String(), "QR-CODE", method)
	}
}

func TestResetGatewayFailure(t *testing.T) {
	f := newFixture(t, "")
	f.admin.deleteErr = errors.New("gateway down")

	req := httptest.NewRequest(http.MethodPost, "/reset", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	f := newFixture(t, "")

	stale := f.temps.NewPath("inbound", ".ogg")
	require.NoError(t, writeFile(stale, "old"))

	// No max_age_minutes: the default sweep removes everything.
	req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Removed)
}

func TestCleanupRejectsInvalidAge(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodPost, "/admin/cleanup?max_age_minutes=never", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func writeFile(path string, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
