// Package webhook turns raw gateway event bodies into a closed set of
// typed events and applies admission control before anything reaches the
// pipeline.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the decoded event variants.
type Kind int

const (
	// KindIgnored covers unrecognized gateway events; they are acked and dropped.
	KindIgnored Kind = iota
	KindConnection
	KindQRCode
	KindMessage
	// KindUnsupported is a message-upsert whose payload the bot cannot
	// handle (stickers, images, ...). Still counted as inbound traffic.
	KindUnsupported
)

// Modality says how a message's content is carried.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Event is the decoded gateway event. Exactly the variant matching Kind
// is populated.
type Event struct {
	Kind       Kind
	Connection *ConnectionUpdate
	QRCode     *QRCodeUpdate
	Message    *NormalizedMessage
}

// ConnectionUpdate reports a gateway connection-state change.
type ConnectionUpdate struct {
	State string
}

// QRCodeUpdate carries a new pairing QR code.
type QRCodeUpdate struct {
	Code string
}

// AudioRef points at a voice-note payload held by the gateway.
type AudioRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
	PTT      bool   `json:"ptt"`
	Seconds  int    `json:"seconds"`
}

// NormalizedMessage is the canonical inbound message shape. Exactly one
// of Text/Audio is populated, matching Modality.
type NormalizedMessage struct {
	SenderID   string
	MessageID  string
	Modality   Modality
	ReceivedAt time.Time
	Text       string
	Audio      *AudioRef
	SelfSent   bool
	Broadcast  bool
}

type rawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type connectionData struct {
	State string `json:"state"`
}

type qrcodeData struct {
	QRCode string `json:"qrcode"`
}

type messageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type messageContent struct {
	Conversation        string `json:"conversation,omitempty"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage,omitempty"`
	AudioMessage     *AudioRef `json:"audioMessage,omitempty"`
	EphemeralMessage *struct {
		Message messageContent `json:"message"`
	} `json:"ephemeralMessage,omitempty"`
}

type upsertData struct {
	Key              messageKey     `json:"key"`
	PushName         string         `json:"pushName"`
	MessageType      string         `json:"messageType"`
	MessageTimestamp int64          `json:"messageTimestamp"`
	Message          messageContent `json:"message"`
}

// Normalize decodes one webhook delivery. Unrecognized event names yield
// KindIgnored with no error; only an unparseable body is an error.
func Normalize(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("parse webhook body: %w", err)
	}

	switch raw.Event {
	case "connection.update":
		var data connectionData
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Event{}, fmt.Errorf("parse connection.update: %w", err)
		}
		return Event{Kind: KindConnection, Connection: &ConnectionUpdate{State: data.State}}, nil

	case "qrcode.updated":
		var data qrcodeData
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Event{}, fmt.Errorf("parse qrcode.updated: %w", err)
		}
		return Event{Kind: KindQRCode, QRCode: &QRCodeUpdate{Code: data.QRCode}}, nil

	case "messages.upsert":
		var data upsertData
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Event{}, fmt.Errorf("parse messages.upsert: %w", err)
		}
		return normalizeUpsert(data), nil

	default:
		return Event{Kind: KindIgnored}, nil
	}
}

func normalizeUpsert(data upsertData) Event {
	content := data.Message

	// An ephemeral wrapper carries the real message one level deeper.
	// Unwrap before any classification so a wrapped voice note behaves
	// exactly like a plain one. One level only: the gateway never nests
	// wrappers.
	if content.EphemeralMessage != nil {
		content = content.EphemeralMessage.Message
	}

	msg := &NormalizedMessage{
		// The full remote JID, not a bare phone number: replies to a
		// truncated id fail for group and LID conversations.
		SenderID:   data.Key.RemoteJID,
		MessageID:  data.Key.ID,
		ReceivedAt: time.Unix(data.MessageTimestamp, 0),
		SelfSent:   data.Key.FromMe,
		Broadcast:  isBroadcast(data.Key.RemoteJID),
	}

	switch {
	case content.AudioMessage != nil:
		msg.Modality = ModalityAudio
		msg.Audio = content.AudioMessage
	case content.Conversation != "":
		msg.Modality = ModalityText
		msg.Text = content.Conversation
	case content.ExtendedTextMessage != nil && content.ExtendedTextMessage.Text != "":
		msg.Modality = ModalityText
		msg.Text = content.ExtendedTextMessage.Text
	default:
		return Event{Kind: KindUnsupported}
	}

	return Event{Kind: KindMessage, Message: msg}
}

func isBroadcast(remoteJID string) bool {
	return strings.HasSuffix(remoteJID, "@broadcast")
}
