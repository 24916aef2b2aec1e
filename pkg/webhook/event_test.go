package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const audioUpsertBody = `{
  "event": "messages.upsert",
  "data": {
    "key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "MSG1"},
    "messageType": "audioMessage",
    "messageTimestamp": 1700000000,
    "message": {
      "audioMessage": {"url": "https://media.example/a.ogg", "mimetype": "audio/ogg; codecs=opus", "ptt": true, "seconds": 7}
    }
  }
}`

const ephemeralAudioUpsertBody = `{
  "event": "messages.upsert",
  "data": {
    "key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "MSG1"},
    "messageType": "ephemeralMessage",
    "messageTimestamp": 1700000000,
    "message": {
      "ephemeralMessage": {
        "message": {
          "audioMessage": {"url": "https://media.example/a.ogg", "mimetype": "audio/ogg; codecs=opus", "ptt": true, "seconds": 7}
        }
      }
    }
  }
}`

func TestNormalizeAudioUpsert(t *testing.T) {
	event, err := Normalize([]byte(audioUpsertBody))
	require.NoError(t, err)
	require.Equal(t, KindMessage, event.Kind)

	msg := event.Message
	require.Equal(t, "5511999999999@s.whatsapp.net", msg.SenderID)
	require.Equal(t, "MSG1", msg.MessageID)
	require.Equal(t, ModalityAudio, msg.Modality)
	require.NotNil(t, msg.Audio)
	require.Equal(t, "https://media.example/a.ogg", msg.Audio.URL)
	require.True(t, msg.Audio.PTT)
	require.Equal(t, time.Unix(1700000000, 0), msg.ReceivedAt)
	require.False(t, msg.SelfSent)
	require.False(t, msg.Broadcast)
	require.Empty(t, msg.Text)
}

func TestEphemeralUnwrapIsIdempotent(t *testing.T) {
	plain, err := Normalize([]byte(audioUpsertBody))
	require.NoError(t, err)

	wrapped, err := Normalize([]byte(ephemeralAudioUpsertBody))
	require.NoError(t, err)

	require.Equal(t, plain, wrapped)
}

func TestNormalizeConversationText(t *testing.T) {
	body := `{
	  "event": "messages.upsert",
	  "data": {
	    "key": {"remoteJid": "5511888888888@s.whatsapp.net", "fromMe": false, "id": "MSG2"},
	    "messageType": "conversation",
	    "messageTimestamp": 1700000001,
	    "message": {"conversation": "Quero agendar uma reunião"}
	  }
	}`

	event, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Equal(t, KindMessage, event.Kind)
	require.Equal(t, ModalityText, event.Message.Modality)
	require.Equal(t, "Quero agendar uma reunião", event.Message.Text)
	require.Nil(t, event.Message.Audio)
}

func TestNormalizeExtendedText(t *testing.T) {
	body := `{
	  "event": "messages.upsert",
	  "data": {
	    "key": {"remoteJid": "5511888888888@s.whatsapp.net", "fromMe": false, "id": "MSG3"},
	    "messageType": "extendedTextMessage",
	    "messageTimestamp": 1700000002,
	    "message": {"extendedTextMessage": {"text": "olá, *tudo bem?*"}}
	  }
	}`

	event, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Equal(t, ModalityText, event.Message.Modality)
	require.Equal(t, "olá, *tudo bem?*", event.Message.Text)
}

func TestNormalizeControlEvents(t *testing.T) {
	conn, err := Normalize([]byte(`{"event": "connection.update", "data": {"state": "open"}}`))
	require.NoError(t, err)
	require.Equal(t, KindConnection, conn.Kind)
	require.Equal(t, "open", conn.Connection.State)

	qr, err := Normalize([]byte(`{"event": "qrcode.updated", "data": {"qrcode": "base64-blob"}}`))
	require.NoError(t, err)
	require.Equal(t, KindQRCode, qr.Kind)
	require.Equal(t, "base64-blob", qr.QRCode.Code)
}

func TestNormalizeUnrecognizedEventIgnored(t *testing.T) {
	event, err := Normalize([]byte(`{"event": "presence.update", "data": {}}`))
	require.NoError(t, err)
	require.Equal(t, KindIgnored, event.Kind)
}

func TestNormalizeUnsupportedMessageType(t *testing.T) {
	body := `{
	  "event": "messages.upsert",
	  "data": {
	    "key": {"remoteJid": "5511@s.whatsapp.net", "fromMe": false, "id": "MSG4"},
	    "messageType": "stickerMessage",
	    "messageTimestamp": 1700000003,
	    "message": {}
	  }
	}`

	event, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Equal(t, KindUnsupported, event.Kind)
	require.Nil(t, event.Message)
}

func TestNormalizeMalformedBody(t *testing.T) {
	_, err := Normalize([]byte(`{not json`))
	require.Error(t, err)
}

func TestFilterOrderAndReasons(t *testing.T) {
	now := time.Unix(1700000100, 0)
	window := 60 * time.Second

	base := func() *NormalizedMessage {
		return &NormalizedMessage{
			SenderID:   "5511@s.whatsapp.net",
			MessageID:  "M",
			Modality:   ModalityText,
			Text:       "oi",
			ReceivedAt: now,
		}
	}

	cases := []struct {
		name   string
		mutate func(*NormalizedMessage)
		accept bool
		reason string
	}{
		{"fresh message accepted", func(*NormalizedMessage) {}, true, ""},
		{"self sent rejected", func(m *NormalizedMessage) { m.SelfSent = true }, false, ReasonSelfSent},
		{"broadcast rejected", func(m *NormalizedMessage) { m.Broadcast = true }, false, ReasonBroadcast},
		{"stale rejected", func(m *NormalizedMessage) { m.ReceivedAt = now.Add(-61 * time.Second) }, false, ReasonStale},
		{"exactly at boundary accepted", func(m *NormalizedMessage) { m.ReceivedAt = now.Add(-60 * time.Second) }, true, ""},
		{"self sent wins over stale", func(m *NormalizedMessage) {
			m.SelfSent = true
			m.ReceivedAt = now.Add(-time.Hour)
		}, false, ReasonSelfSent},
		{"broadcast rejected regardless of age", func(m *NormalizedMessage) {
			m.Broadcast = true
			m.ReceivedAt = now
		}, false, ReasonBroadcast},
	}

	for _, tc := range cases {
		msg := base()
		tc.mutate(msg)
		accepted, reason := Filter(msg, now, window)
		if accepted != tc.accept || reason != tc.reason {
			t.Fatalf("%s: Filter = (%v, %q), want (%v, %q)", tc.name, accepted, reason, tc.accept, tc.reason)
		}
	}
}

func TestFilterBroadcastJids(t *testing.T) {
	for i, jid := range []string{"status@broadcast", "123456789@broadcast"} {
		body := fmt.Sprintf(`{
		  "event": "messages.upsert",
		  "data": {
		    "key": {"remoteJid": %q, "fromMe": false, "id": "B%d"},
		    "messageType": "conversation",
		    "messageTimestamp": 1700000000,
		    "message": {"conversation": "promo"}
		  }
		}`, jid, i)

		event, err := Normalize([]byte(body))
		require.NoError(t, err)
		require.Equal(t, KindMessage, event.Kind)
		require.True(t, event.Message.Broadcast, "jid %s should flag broadcast", jid)
	}
}
