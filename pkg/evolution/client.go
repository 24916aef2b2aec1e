// Package evolution is the WhatsApp gateway client. It speaks the
// Evolution API: instance provisioning, media download, and outbound
// text and voice-note delivery.
package evolution

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"voicesdr/pkg/config"
	"voicesdr/pkg/retry"
	"voicesdr/pkg/webhook"
)

// ErrBusy means another provisioning operation holds the instance lock.
var ErrBusy = errors.New("instance provisioning already in progress")

// ErrAudioTooLarge means the gateway returned a payload over the size cap.
var ErrAudioTooLarge = errors.New("audio payload exceeds size limit")

// Client talks to one Evolution API deployment for one instance.
type Client struct {
	baseURL       string
	apiKey        string
	instance      string
	maxAudioBytes int64
	sendDelay     int
	http          *http.Client
	log           *slog.Logger

	// Serializes create/connect/delete. Message sending never takes it.
	provisionMu sync.Mutex
}

// NewClient builds a gateway client from config. The config must already
// have defaults applied.
func NewClient(cfg config.GatewayConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		instance:      cfg.InstanceName,
		maxAudioBytes: int64(cfg.MaxAudioSizeMB) * 1024 * 1024,
		sendDelay:     cfg.SendDelayMillis,
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		log: log.With("component", "evolution"),
	}
}

// Instance returns the configured instance name.
func (c *Client) Instance() string {
	return c.instance
}

type createInstanceRequest struct {
	InstanceName string `json:"instanceName"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

type qrCodeEnvelope struct {
	Base64 string `json:"base64"`
	Code   string `json:"code"`
}

type connectResponse struct {
	Base64 string          `json:"base64"`
	Code   string          `json:"code"`
	QRCode *qrCodeEnvelope `json:"qrcode"`
}

type connectionStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

// EnsureInstance creates the WhatsApp instance if needed and returns the
// pairing QR code. When the instance already exists it falls through to a
// connect call, which re-issues a QR code for unpaired instances.
//
// Returns ErrBusy when a provisioning call is already running.
func (c *Client) EnsureInstance(ctx context.Context) (string, error) {
	if !c.provisionMu.TryLock() {
		return "", ErrBusy
	}
	defer c.provisionMu.Unlock()

	req := createInstanceRequest{
		InstanceName: c.instance,
		QRCode:       true,
		Integration:  "WHATSAPP-BAILEYS",
	}

	var resp connectResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/instance/create", req, &resp)
	if err == nil {
		c.log.Info("Instance created", "instance", c.instance)
		return qrFromConnect(resp), nil
	}

	// 403 and 409 both mean the instance name is taken; reconnect instead.
	if status == http.StatusForbidden || status == http.StatusConflict {
		c.log.Info("Instance already exists, requesting connect", "instance", c.instance)
		return c.connectQR(ctx)
	}

	return "", fmt.Errorf("create instance: %w", err)
}

func (c *Client) connectQR(ctx context.Context) (string, error) {
	var resp connectResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/instance/connect/"+c.instance, nil, &resp); err != nil {
		return "", fmt.Errorf("connect instance: %w", err)
	}
	return qrFromConnect(resp), nil
}

func qrFromConnect(resp connectResponse) string {
	if resp.Base64 != "" {
		return resp.Base64
	}
	if resp.QRCode != nil && resp.QRCode.Base64 != "" {
		return resp.QRCode.Base64
	}
	if resp.Code != "" {
		return resp.Code
	}
	if resp.QRCode != nil {
		return resp.QRCode.Code
	}
	return ""
}

// ConnectionState reports the gateway's view of the WhatsApp session
// ("open", "connecting", "close").
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	var resp connectionStateResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/instance/connectionState/"+c.instance, nil, &resp); err != nil {
		return "", fmt.Errorf("connection state: %w", err)
	}
	return resp.Instance.State, nil
}

// DeleteInstance tears the instance down so the number can be re-paired.
func (c *Client) DeleteInstance(ctx context.Context) error {
	if !c.provisionMu.TryLock() {
		return ErrBusy
	}
	defer c.provisionMu.Unlock()

	if _, err := c.doJSON(ctx, http.MethodDelete, "/instance/delete/"+c.instance, nil, nil); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	c.log.Info("Instance deleted", "instance", c.instance)
	return nil
}

type downloadMediaRequest struct {
	Message      downloadMediaMessage `json:"message"`
	ConvertToMp4 bool                 `json:"convertToMp4"`
}

type downloadMediaMessage struct {
	Key     downloadMediaKey     `json:"key"`
	Message downloadMediaContent `json:"message"`
}

type downloadMediaKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type downloadMediaContent struct {
	AudioMessage *webhook.AudioRef `json:"audioMessage"`
}

type downloadMediaResponse struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimetype"`
}

// DownloadAudio fetches the voice-note payload for msg and writes the
// decoded bytes to dest. Payloads over the configured cap fail with
// ErrAudioTooLarge before touching disk.
func (c *Client) DownloadAudio(ctx context.Context, msg *webhook.NormalizedMessage, dest string) error {
	if msg.Audio == nil {
		return errors.New("message has no audio payload")
	}

	req := downloadMediaRequest{
		Message: downloadMediaMessage{
			Key: downloadMediaKey{
				RemoteJID: msg.SenderID,
				FromMe:    msg.SelfSent,
				ID:        msg.MessageID,
			},
			Message: downloadMediaContent{AudioMessage: msg.Audio},
		},
	}

	var resp downloadMediaResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/chat/getBase64FromMediaMessage/"+c.instance, req, &resp); err != nil {
		return fmt.Errorf("download media: %w", err)
	}

	encoded := resp.Base64
	if idx := strings.Index(encoded, "base64,"); idx >= 0 {
		encoded = encoded[idx+len("base64,"):]
	}
	if encoded == "" {
		return errors.New("gateway returned empty media payload")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode media payload: %w", err)
	}
	if int64(len(data)) > c.maxAudioBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrAudioTooLarge, len(data), c.maxAudioBytes)
	}

	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return fmt.Errorf("write media file: %w", err)
	}

	c.log.Debug("Audio downloaded", "message_id", msg.MessageID, "bytes", len(data))
	return nil
}

type quotedRef struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

type sendAudioRequest struct {
	Number   string     `json:"number"`
	Audio    string     `json:"audio"`
	Delay    int        `json:"delay"`
	Encoding bool       `json:"encoding"`
	Quoted   *quotedRef `json:"quoted,omitempty"`
}

type sendTextRequest struct {
	Number string     `json:"number"`
	Text   string     `json:"text"`
	Delay  int        `json:"delay"`
	Quoted *quotedRef `json:"quoted,omitempty"`
}

func quoted(messageID string) *quotedRef {
	if messageID == "" {
		return nil
	}
	ref := &quotedRef{}
	ref.Key.ID = messageID
	return ref
}

// SendAudio delivers the file at audioPath as a WhatsApp voice note,
// quoting the message it answers. The configured delay makes the
// recipient see a short "recording audio" indicator before delivery.
func (c *Client) SendAudio(ctx context.Context, number string, audioPath string, quotedID string) error {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("read audio file: %w", err)
	}

	req := sendAudioRequest{
		Number:   number,
		Audio:    base64.StdEncoding.EncodeToString(data),
		Delay:    c.sendDelay,
		Encoding: true,
		Quoted:   quoted(quotedID),
	}

	if _, err := c.doJSON(ctx, http.MethodPost, "/message/sendWhatsAppAudio/"+c.instance, req, nil); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}

	c.log.Info("Voice note sent", "number", number, "bytes", len(data))
	return nil
}

// SendText delivers a plain text message, quoting the message it answers.
func (c *Client) SendText(ctx context.Context, number string, text string, quotedID string) error {
	req := sendTextRequest{
		Number: number,
		Text:   text,
		Delay:  c.sendDelay,
		Quoted: quoted(quotedID),
	}

	if _, err := c.doJSON(ctx, http.MethodPost, "/message/sendText/"+c.instance, req, nil); err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	c.log.Info("Text sent", "number", number, "length", len(text))
	return nil
}

// doJSON performs one gateway request. Network failures, 429, and 5xx
// come back marked transient so callers' retry policies re-attempt them;
// other non-2xx statuses are permanent.
func (c *Client) doJSON(ctx context.Context, method string, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, retry.MarkTransient(fmt.Errorf("gateway request %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, retry.MarkTransient(fmt.Errorf("read gateway response: %w", err))
	}

	if resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("gateway returned %d for %s %s: %s", resp.StatusCode, method, path, truncate(payload, 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return resp.StatusCode, retry.MarkTransient(statusErr)
		}
		return resp.StatusCode, statusErr
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode gateway response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func truncate(payload []byte, limit int) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
