// Package telephony bridges a Twilio Media Streams websocket to 20ms μ-law frames.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	inboundBufferSize = 50
	eventBufferSize   = 16
	writeTimeout      = time.Second
)

// ErrClosed is returned by writes after the stream has ended.
var ErrClosed = errors.New("media stream closed")

// Conn is one Twilio media stream. The read loop feeds Frames and Events;
// outbound frames go through a bounded TX queue drained by the write loop.
type Conn struct {
	ws *websocket.Conn

	mu        sync.RWMutex
	streamSID string
	callSID   string
	err       error
	stopped   bool

	startCh   chan StartInfo
	startOnce sync.Once

	frames chan audio.Frame
	events chan Event
	tx     chan audio.Frame
	seq    uint64

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	framesIn       atomic.Int64
	framesOut      atomic.Int64
	inboundDrops   atomic.Int64
	inboundDropLog rate.Sometimes
}

// NewConn wraps an upgraded websocket. txCapacity bounds the outbound queue.
func NewConn(ws *websocket.Conn, txCapacity int) *Conn {
	if txCapacity <= 0 {
		txCapacity = 1
	}
	c := &Conn{
		ws:             ws,
		startCh:        make(chan StartInfo, 1),
		frames:         make(chan audio.Frame, inboundBufferSize),
		events:         make(chan Event, eventBufferSize),
		tx:             make(chan audio.Frame, txCapacity),
		done:           make(chan struct{}),
		inboundDropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// AwaitStart blocks until the stream's start message arrives.
func (c *Conn) AwaitStart(ctx context.Context) (StartInfo, error) {
	select {
	case info := <-c.startCh:
		return info, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return StartInfo{}, err
		}
		return StartInfo{}, ErrClosed
	case <-ctx.Done():
		return StartInfo{}, ctx.Err()
	}
}

// Frames yields inbound caller frames; closed when the stream ends.
func (c *Conn) Frames() <-chan audio.Frame { return c.frames }

// Events yields mark, dtmf and stop events; closed when the stream ends.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed once the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// StreamSID returns the stream identifier from the start message.
func (c *Conn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the associated call SID.
func (c *Conn) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// Err returns the terminal read or write error, nil after a clean stop.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Stopped reports whether the far end sent a stop message.
func (c *Conn) Stopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// TrySend enqueues an outbound frame without blocking. It reports false when
// the TX queue is full or the stream is closed.
func (c *Conn) TrySend(f audio.Frame) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.tx <- f:
		return true
	default:
		return false
	}
}

// TXLen is the number of frames waiting in the TX queue.
func (c *Conn) TXLen() int { return len(c.tx) }

// SendClear discards queued outbound frames and tells Twilio to flush the
// audio it has buffered.
func (c *Conn) SendClear() (int, error) {
	n := 0
drain:
	for {
		select {
		case <-c.tx:
			n++
		default:
			break drain
		}
	}
	return n, c.writeJSON(mediaMessage{Event: "clear", StreamSID: c.StreamSID()})
}

// SendMark asks Twilio to echo name back once playback reaches this point.
func (c *Conn) SendMark(name string) error {
	return c.writeJSON(mediaMessage{Event: "mark", StreamSID: c.StreamSID(), Mark: &markMessage{Name: name}})
}

// Stats returns inbound, outbound and dropped inbound frame counts.
func (c *Conn) Stats() (in, out, inboundDrops int64) {
	return c.framesIn.Load(), c.framesOut.Load(), c.inboundDrops.Load()
}

func (c *Conn) writeJSON(msg mediaMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.frames)
		close(c.events)
		_ = c.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErr(fmt.Errorf("media stream read: %w", err))
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Debug("Ignoring malformed media stream message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":

		case "start":
			if msg.Start == nil {
				continue
			}
			c.mu.Lock()
			c.streamSID = msg.Start.StreamSID
			c.callSID = msg.Start.CallSID
			c.mu.Unlock()
			c.startOnce.Do(func() {
				c.startCh <- StartInfo{
					StreamSID:        msg.Start.StreamSID,
					CallSID:          msg.Start.CallSID,
					AccountSID:       msg.Start.AccountSID,
					Encoding:         msg.Start.MediaFormat.Encoding,
					SampleRate:       msg.Start.MediaFormat.SampleRate,
					CustomParameters: msg.Start.CustomParams,
				}
			})

		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			c.seq++
			c.framesIn.Add(1)
			frame := audio.NewFrame(payload, c.seq, audio.DirectionIn, time.Now())
			select {
			case c.frames <- frame:
			default:
				c.inboundDrops.Add(1)
				c.inboundDropLog.Do(func() {
					logger.Base().Warn("Inbound frame buffer full, dropping frame",
						zap.String("call_sid", c.CallSID()),
						zap.Int64("dropped", c.inboundDrops.Load()))
				})
			}

		case "mark":
			if msg.Mark != nil {
				c.emit(Event{Type: EventMark, Name: msg.Mark.Name})
			}

		case "dtmf":
			if msg.DTMF != nil {
				c.emit(Event{Type: EventDTMF, Digit: msg.DTMF.Digit})
			}

		case "stop":
			c.mu.Lock()
			c.stopped = true
			c.mu.Unlock()
			c.emit(Event{Type: EventStop})
			return
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.tx:
			msg := mediaMessage{
				Event:     "media",
				StreamSID: c.StreamSID(),
				Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame.Payload())},
			}
			if err := c.writeJSON(msg); err != nil {
				if !c.closed.Load() {
					c.setErr(fmt.Errorf("media stream write: %w", err))
					_ = c.Close()
				}
				return
			}
			c.framesOut.Add(1)
		}
	}
}

// Close shuts the websocket; Frames and Events close once the read loop exits.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}
