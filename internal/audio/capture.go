package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

var (
	// ErrDeviceUnavailable is returned when the edge device has no usable microphone.
	ErrDeviceUnavailable = errors.New("audio capture device unavailable")
	// ErrPermissionDenied is returned when the edge device lacks microphone permission.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrCaptureActive is returned when capture is already running for the session.
	ErrCaptureActive = errors.New("capture already active for session")
)

// Capture acquires and releases the microphone for a session.
// Implementations must guarantee the device is released on normal stop,
// on error, and on session teardown.
type Capture interface {
	Start(ctx context.Context, sessionID string) (<-chan protocol.AudioFrame, error)
	Stop(sessionID string)
}

// DeviceGate reports whether a healthy device currently fills a role;
// satisfied by the device registry. A nil gate skips the check.
type DeviceGate interface {
	HasHealthyRole(role string) bool
}

// BusCapture drives an edge microphone over the message bus. Acquisition is
// a request/reply so device errors surface synchronously; frames then arrive
// on the per-session audio subject until Stop.
type BusCapture struct {
	bus        *bus.Client
	gate       DeviceGate
	log        *slog.Logger
	ackTimeout time.Duration
	mu         sync.Mutex
	active     map[string]*captureStream
}

type captureStream struct {
	sub    *nats.Subscription
	frames chan protocol.AudioFrame

	mu     sync.Mutex
	closed bool
}

// deliver hands one frame to the consumer. It is serialized against close so
// a frame drained after Stop can never hit a closed channel. The second
// return distinguishes a full buffer from a closed stream.
func (s *captureStream) deliver(frame protocol.AudioFrame) (sent, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.frames <- frame:
		return true, true
	default:
		return false, true
	}
}

// close marks the stream dead and closes the frame channel exactly once.
func (s *captureStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

func NewBusCapture(busClient *bus.Client, gate DeviceGate, ackTimeout time.Duration, log *slog.Logger) *BusCapture {
	return &BusCapture{
		bus:        busClient,
		gate:       gate,
		log:        log.With(slog.String("component", "capture")),
		ackTimeout: ackTimeout,
		active:     make(map[string]*captureStream),
	}
}

func (c *BusCapture) Start(ctx context.Context, sessionID string) (<-chan protocol.AudioFrame, error) {
	if c.gate != nil && !c.gate.HasHealthyRole(protocol.RoleMicrophone) {
		return nil, ErrDeviceUnavailable
	}

	c.mu.Lock()
	if _, ok := c.active[sessionID]; ok {
		c.mu.Unlock()
		return nil, ErrCaptureActive
	}
	stream := &captureStream{frames: make(chan protocol.AudioFrame, 64)}
	c.active[sessionID] = stream
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	reply, err := c.bus.Request(reqCtx, protocol.CaptureStartSubject(sessionID), nil)
	if err != nil {
		c.remove(sessionID)
		return nil, fmt.Errorf("acquire microphone: %w", err)
	}
	var status protocol.CaptureStatus
	if err := json.Unmarshal(reply.Data, &status); err != nil {
		c.releaseDevice(sessionID)
		c.remove(sessionID)
		return nil, fmt.Errorf("decode capture status: %w", err)
	}
	switch status.Status {
	case protocol.CaptureStatusOK:
	case protocol.CaptureStatusDeviceUnavailable:
		c.remove(sessionID)
		return nil, ErrDeviceUnavailable
	case protocol.CaptureStatusPermissionDenied:
		c.remove(sessionID)
		return nil, ErrPermissionDenied
	default:
		c.remove(sessionID)
		return nil, fmt.Errorf("capture rejected: %s", status.Status)
	}

	sub, err := c.bus.Conn().Subscribe(protocol.AudioFrameSubject(sessionID), func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			c.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if sent, open := stream.deliver(frame); !sent && open {
			c.log.Warn("dropping audio frame, consumer too slow", slog.String("session", sessionID))
		}
	})
	if err != nil {
		// The device answered ok, so it must be told to let go again.
		c.releaseDevice(sessionID)
		c.remove(sessionID)
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}

	c.mu.Lock()
	stream.sub = sub
	c.mu.Unlock()

	c.log.Info("capture started", slog.String("session", sessionID))
	return stream.frames, nil
}

func (c *BusCapture) Stop(sessionID string) {
	c.mu.Lock()
	stream, ok := c.active[sessionID]
	if ok {
		delete(c.active, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if stream.sub != nil {
		_ = stream.sub.Unsubscribe()
	}
	// An in-flight delivery may still hold the stream mutex; close waits for
	// it before closing the channel.
	stream.close()
	c.releaseDevice(sessionID)
	c.log.Info("capture stopped", slog.String("session", sessionID))
}

// StopAll releases every active device; used on runtime shutdown.
func (c *BusCapture) StopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Stop(id)
	}
}

func (c *BusCapture) releaseDevice(sessionID string) {
	if err := c.bus.Conn().Publish(protocol.CaptureStopSubject(sessionID), nil); err != nil {
		c.log.Warn("failed to publish capture stop", slog.String("error", err.Error()))
	}
}

func (c *BusCapture) remove(sessionID string) {
	c.mu.Lock()
	delete(c.active, sessionID)
	c.mu.Unlock()
}
