package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns a server-side Conn and the client (Twilio) end of the socket.
func pair(t *testing.T, txCapacity int) (*Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- NewConn(ws, txCapacity)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c := <-accepted
	t.Cleanup(func() { _ = c.Close() })
	return c, client
}

func sendStart(t *testing.T, client *websocket.Conn) {
	t.Helper()
	require.NoError(t, client.WriteJSON(map[string]any{"event": "connected", "protocol": "Call"}))
	require.NoError(t, client.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ123",
		"start": map[string]any{
			"streamSid":        "MZ123",
			"callSid":          "CA456",
			"accountSid":       "AC789",
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": map[string]string{"agent_id": "support"},
		},
	}))
}

func sendMedia(t *testing.T, client *websocket.Conn, payload []byte) {
	t.Helper()
	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]string{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(payload)},
	}))
}

func TestConn_StartAndInboundFrames(t *testing.T) {
	c, client := pair(t, 10)
	sendStart(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := c.AwaitStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MZ123", info.StreamSID)
	assert.Equal(t, "CA456", info.CallSID)
	assert.Equal(t, 8000, info.SampleRate)
	assert.Equal(t, "support", info.CustomParameters["agent_id"])

	for i := 0; i < 3; i++ {
		payload := make([]byte, audio.FrameSize)
		payload[0] = byte(i)
		sendMedia(t, client, payload)
	}
	for i := 0; i < 3; i++ {
		select {
		case f := <-c.Frames():
			assert.Equal(t, uint64(i+1), f.Seq())
			assert.Equal(t, audio.DirectionIn, f.Direction())
			assert.Equal(t, byte(i), f.Payload()[0])
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}

	require.NoError(t, client.WriteJSON(map[string]any{"event": "dtmf", "dtmf": map[string]string{"digit": "5"}}))
	ev := <-c.Events()
	assert.Equal(t, EventDTMF, ev.Type)
	assert.Equal(t, "5", ev.Digit)
}

func TestConn_StopClosesStreams(t *testing.T) {
	c, client := pair(t, 10)
	sendStart(t, client)
	require.NoError(t, client.WriteJSON(map[string]any{"event": "stop", "stop": map[string]string{"callSid": "CA456"}}))

	ev := <-c.Events()
	assert.Equal(t, EventStop, ev.Type)
	_, ok := <-c.Frames()
	assert.False(t, ok)
	<-c.Done()
	assert.True(t, c.Stopped())
	assert.NoError(t, c.Err())
	assert.False(t, c.TrySend(audio.NewFrame(make([]byte, audio.FrameSize), 1, audio.DirectionOut, time.Now())))
}

func TestConn_OutboundMediaAndClear(t *testing.T) {
	c, client := pair(t, 10)
	sendStart(t, client)
	_, err := c.AwaitStart(context.Background())
	require.NoError(t, err)

	payload := make([]byte, audio.FrameSize)
	payload[0] = 0x7f
	require.True(t, c.TrySend(audio.NewFrame(payload, 1, audio.DirectionOut, time.Now())))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg mediaMessage
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "media", msg.Event)
	assert.Equal(t, "MZ123", msg.StreamSID)
	decoded, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = c.SendClear()
	require.NoError(t, err)
	_, data, err = client.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "clear", msg.Event)
	assert.Equal(t, 0, c.TXLen())

	assert.Eventually(t, func() bool {
		_, out, _ := c.Stats()
		return out == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConn_TrySendAfterClose(t *testing.T) {
	c, _ := pair(t, 2)
	require.NoError(t, c.Close())
	assert.False(t, c.TrySend(audio.NewFrame(nil, 1, audio.DirectionOut, time.Now())))
}

func TestConn_AwaitStartAfterPeerDisconnect(t *testing.T) {
	c, client := pair(t, 2)
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.AwaitStart(ctx)
	assert.Error(t, err)
}
