// Package relay streams PTY output to attached clients and forwards input
// and resize requests back to the subprocess. One channel exists per live
// process; any number of clients may attach to it and all observe the same
// total output order.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound means no live relay channel exists for the process id. Clients
// should treat this like receiving an ended frame: re-fetch the session.
var ErrNotFound = errors.New("no relay channel for process")

// Conn is the subprocess side of a channel. supervisor.Handle satisfies it.
type Conn interface {
	io.ReadWriter
	Resize(rows, cols uint16) error
}

// Subscriber is one attached client. Frames arrive on a bounded queue; a
// subscriber that falls behind is dropped rather than stalling the pump.
type Subscriber struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

// Frames returns the subscriber's frame queue.
func (s *Subscriber) Frames() <-chan Frame { return s.frames }

// Done is closed when the subscriber has been detached or dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Channel fans one process's output out to its subscribers and keeps a
// bounded ring buffer of recent output for reconnect replay.
type Channel struct {
	processID string
	conn      Conn
	logger    *slog.Logger
	queueSize int

	mu     sync.Mutex
	buf    *ringBuffer
	subs   map[*Subscriber]struct{}
	closed bool

	// scan is invoked with every output chunk, outside the channel lock.
	// The session manager uses it to capture the resume token.
	scan func([]byte)

	// Resize debouncing: bursts collapse to the last value before being
	// applied to the PTY.
	resizeMu    sync.Mutex
	resizeTimer *time.Timer
	pendingRows uint16
	pendingCols uint16
	debounce    time.Duration
}

// Options configures a Registry.
type Options struct {
	// BufferBytes is the ring buffer capacity per channel.
	BufferBytes int
	// SubscriberQueue is the frame queue depth per subscriber.
	SubscriberQueue int
	// ResizeDebounce is the window within which resize bursts collapse.
	ResizeDebounce time.Duration
}

func (o *Options) withDefaults() {
	if o.BufferBytes <= 0 {
		o.BufferBytes = 256 * 1024
	}
	if o.SubscriberQueue <= 0 {
		o.SubscriberQueue = 64
	}
	if o.ResizeDebounce <= 0 {
		o.ResizeDebounce = 50 * time.Millisecond
	}
}

// Registry is the table of live relay channels, keyed by process id.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel

	opts   Options
	logger *slog.Logger
}

// NewRegistry creates a relay registry.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]*Channel),
		opts:     opts,
		logger:   logger,
	}
}

// Open creates the channel for a freshly spawned process and starts its
// output pump. scan may be nil.
func (r *Registry) Open(processID string, conn Conn, scan func([]byte)) *Channel {
	ch := &Channel{
		processID: processID,
		conn:      conn,
		logger:    r.logger,
		queueSize: r.opts.SubscriberQueue,
		buf:       newRingBuffer(r.opts.BufferBytes),
		subs:      make(map[*Subscriber]struct{}),
		scan:      scan,
		debounce:  r.opts.ResizeDebounce,
	}

	r.mu.Lock()
	r.channels[processID] = ch
	r.mu.Unlock()

	go ch.pump()
	return ch
}

func (r *Registry) channel(processID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[processID]
	return ch, ok
}

// Attach registers a new subscriber on the process's channel. The buffered
// output is queued for replay before any live bytes, so a reconnecting
// client sees no gap.
func (r *Registry) Attach(processID string) (*Subscriber, error) {
	ch, ok := r.channel(processID)
	if !ok {
		return nil, ErrNotFound
	}
	return ch.attach()
}

// Detach removes one subscriber; the subprocess and other subscribers are
// unaffected.
func (r *Registry) Detach(processID string, sub *Subscriber) {
	if ch, ok := r.channel(processID); ok {
		ch.detach(sub)
	}
	sub.close()
}

// Write forwards input bytes to the subprocess's stdin. Failures against a
// dead process are logged, not surfaced: the client learns the truth from
// the ended frame.
func (r *Registry) Write(processID string, p []byte) {
	ch, ok := r.channel(processID)
	if !ok {
		r.logger.Debug("input for unknown process dropped", "process", processID)
		return
	}
	if _, err := ch.conn.Write(p); err != nil {
		r.logger.Debug("input write failed", "process", processID, "error", err)
	}
}

// Resize schedules a terminal resize, debounced so that a burst (window
// drag) applies only the final size.
func (r *Registry) Resize(processID string, rows, cols uint16) {
	ch, ok := r.channel(processID)
	if !ok {
		return
	}
	ch.scheduleResize(rows, cols)
}

// Close tears the channel down after process exit: remaining buffered
// output has already been fanned out in order, so subscribers receive the
// terminal ended frame and are closed.
func (r *Registry) Close(processID string, exitCode int) {
	r.mu.Lock()
	ch, ok := r.channels[processID]
	delete(r.channels, processID)
	r.mu.Unlock()
	if !ok {
		return
	}
	ch.shutdown(exitCode)
}

func (ch *Channel) attach() (*Subscriber, error) {
	sub := &Subscriber{
		frames: make(chan Frame, ch.queueSize),
		done:   make(chan struct{}),
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrNotFound
	}
	// Queue the replay snapshot before registering for live frames:
	// same lock as the pump, so ordering has no gap and no duplicates.
	if snapshot := ch.buf.Bytes(); len(snapshot) > 0 {
		sub.frames <- Frame{Type: FrameOutput, Data: snapshot}
	}
	ch.subs[sub] = struct{}{}
	ch.mu.Unlock()

	return sub, nil
}

func (ch *Channel) detach(sub *Subscriber) {
	ch.mu.Lock()
	delete(ch.subs, sub)
	ch.mu.Unlock()
}

// pump is the single producer: it reads the PTY and fans each chunk out to
// every subscriber, preserving the subprocess's emission order.
func (ch *Channel) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch.broadcast(data)
			if ch.scan != nil {
				ch.scan(data)
			}
		}
		if err != nil {
			// PTY read errors mean the process side is gone; the
			// ended frame is sent from Close on process exit.
			if err != io.EOF {
				ch.logger.Debug("pty read ended", "process", ch.processID, "error", err)
			}
			return
		}
	}
}

func (ch *Channel) broadcast(data []byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.buf.Write(data)
	for sub := range ch.subs {
		select {
		case sub.frames <- Frame{Type: FrameOutput, Data: data}:
		default:
			// Slow subscriber: drop it rather than stall the pump.
			delete(ch.subs, sub)
			sub.close()
			ch.logger.Warn("subscriber dropped, queue full", "process", ch.processID)
		}
	}
}

func (ch *Channel) scheduleResize(rows, cols uint16) {
	ch.resizeMu.Lock()
	defer ch.resizeMu.Unlock()
	ch.pendingRows, ch.pendingCols = rows, cols
	if ch.resizeTimer != nil {
		return
	}
	ch.resizeTimer = time.AfterFunc(ch.debounce, func() {
		ch.resizeMu.Lock()
		rows, cols := ch.pendingRows, ch.pendingCols
		ch.resizeTimer = nil
		ch.resizeMu.Unlock()
		if err := ch.conn.Resize(rows, cols); err != nil {
			ch.logger.Debug("resize failed", "process", ch.processID, "error", err)
		}
	})
}

func (ch *Channel) shutdown(exitCode int) {
	ch.resizeMu.Lock()
	if ch.resizeTimer != nil {
		ch.resizeTimer.Stop()
		ch.resizeTimer = nil
	}
	ch.resizeMu.Unlock()

	ch.mu.Lock()
	ch.closed = true
	code := exitCode
	for sub := range ch.subs {
		select {
		case sub.frames <- Frame{Type: FrameEnded, ExitCode: &code}:
		default:
			ch.logger.Warn("subscriber missed ended frame, queue full", "process", ch.processID)
		}
		delete(ch.subs, sub)
		sub.close()
	}
	ch.mu.Unlock()
}
