package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/meshlink-core/internal/mesh/frame"
	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// Defaults for serial links.
const (
	// defaultOpenTimeout bounds a single port open attempt.
	defaultOpenTimeout = 2 * time.Second

	// defaultReadTimeout is how long one Read waits for bytes before returning zero.
	defaultReadTimeout = 100 * time.Millisecond

	// idleBackoff is the pause after a zero-byte read.
	idleBackoff = 10 * time.Millisecond

	// readBufferSize is the size of one read from the port.
	readBufferSize = 1024

	// defaultPacketBuffer is the capacity of the outbound packet channel.
	defaultPacketBuffer = 64
)

// DefaultBaudRates is the order in which baud rates are tried.
var DefaultBaudRates = []int{115200, 921600, 57600, 38400, 19200}

// Port is the subset of a serial port the transport uses.
// go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	Drain() error
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens path at the given baud rate.
type PortOpener func(path string, baud int) (Port, error)

// OpenSerialPort is the default PortOpener: 8N1 at the requested baud rate.
func OpenSerialPort(path string, baud int) (Port, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// SerialOptions configures a Serial transport. Zero values take defaults.
type SerialOptions struct {
	BaudRates   []int
	OpenTimeout time.Duration
	ReadTimeout time.Duration

	// Codec serialises packets inside frames. Default: packet.Default.
	Codec packet.Codec

	// Opener replaces the OS port open, mainly for tests.
	Opener PortOpener

	// Probe, when set, must succeed on a freshly opened port for the
	// baud rate to be accepted.
	Probe func(Port) error

	// NodeNum is the local node number. Zero picks a random one.
	NodeNum uint32

	// PacketBuffer is the outbound channel capacity.
	PacketBuffer int
}

func (o SerialOptions) withDefaults() SerialOptions {
	if len(o.BaudRates) == 0 {
		o.BaudRates = DefaultBaudRates
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = defaultOpenTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.Codec == nil {
		o.Codec = packet.Default
	}
	if o.Opener == nil {
		o.Opener = OpenSerialPort
	}
	if o.NodeNum == 0 {
		o.NodeNum = packet.RandomNodeNum()
	}
	if o.PacketBuffer <= 0 {
		o.PacketBuffer = defaultPacketBuffer
	}
	return o
}

// Attempt records one baud rate tried during Connect.
type Attempt struct {
	BaudRate int
	Err      error
	Duration time.Duration
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// listener is one running read loop.
type listener struct {
	stop *closeOnce
	done chan struct{}
}

// Serial is the serial-line Transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frame writes are serialised so two Sends never interleave on the wire.
//   - No lock is held during port open, read or write.
type Serial struct {
	info DeviceInfo
	opts SerialOptions

	// Link state
	mu          sync.RWMutex
	port        Port
	state       State
	baud        int
	lastErr     string
	connectedAt time.Time
	attempts    []Attempt
	listen      *listener
	// gen advances on every Disconnect so an in-flight Connect can tell
	// it was cancelled.
	gen         uint64

	writeMu sync.Mutex

	nodesMu sync.RWMutex
	nodes   map[uint32]*Node

	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	framesReceived atomic.Uint64
	framesSent     atomic.Uint64
	frameErrors    atomic.Uint64
	decodeErrors   atomic.Uint64
}

// Ensure Serial implements Transport.
var _ Transport = (*Serial)(nil)

// NewSerial creates a disconnected serial transport for info.Path.
func NewSerial(info DeviceInfo, opts SerialOptions) *Serial {
	return &Serial{
		info:   info,
		opts:   opts.withDefaults(),
		nodes:  make(map[uint32]*Node),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the transport.
func (s *Serial) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Serial) log() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// Connect opens the port, trying each configured baud rate in order.
//
// Each attempt is bounded by OpenTimeout. The first rate that opens (and
// passes Probe, when set) wins. When every rate fails the returned error
// wraps ErrConnectionFailed and the last underlying cause.
// Connecting an already connected transport is a no-op.
func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.state = StateConnecting
	s.attempts = nil
	gen := s.gen
	stale := s.port
	s.port = nil
	s.mu.Unlock()

	if stale != nil {
		s.closePort(stale)
	}

	var lastErr error
	for _, baud := range s.opts.BaudRates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		s.log().Debug("trying baud rate", "path", s.info.Path, "baud", baud)

		started := time.Now()
		port, err := s.openWithTimeout(ctx, baud)
		if err == nil && s.opts.Probe != nil {
			if perr := s.opts.Probe(port); perr != nil {
				port.Close()
				err = fmt.Errorf("%w: %w", ErrInvalidResponse, perr)
			}
		}
		s.record(Attempt{BaudRate: baud, Err: err, Duration: time.Since(started)})

		if err != nil {
			lastErr = err
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			s.closePort(port)
			return fmt.Errorf("%w: %s: disconnected while connecting", ErrConnectionFailed, s.info.Path)
		}
		s.port = port
		s.baud = baud
		s.state = StateConnected
		s.lastErr = ""
		s.connectedAt = time.Now()
		s.mu.Unlock()

		s.log().Info("serial port connected", "path", s.info.Path, "baud", baud)
		return nil
	}

	err := fmt.Errorf("%w: %s: no baud rate succeeded: %w", ErrConnectionFailed, s.info.Path, lastErr)
	s.mu.Lock()
	if s.gen == gen {
		s.state = StateError
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	return err
}

func (s *Serial) closePort(port Port) {
	if err := port.Close(); err != nil {
		s.log().Warn("closing serial port", "path", s.info.Path, "error", err)
	}
}

// openWithTimeout runs the opener in its own goroutine so a hung driver
// cannot stall Connect. A port that finishes opening after the deadline
// is closed.
func (s *Serial) openWithTimeout(ctx context.Context, baud int) (Port, error) {
	type result struct {
		port Port
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		port, err := s.opts.Opener(s.info.Path, baud)
		ch <- result{port, err}
	}()

	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if r := <-ch; r.err == nil && r.port != nil {
				r.port.Close()
			}
		}()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classifyOpenError(r.err)
		}
		return r.port, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("%w: opening at %d baud after %s", ErrTimeout, baud, s.opts.OpenTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// classifyOpenError maps driver errors onto the package sentinels.
func classifyOpenError(err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case serial.PortNotFound:
			return fmt.Errorf("%w: %w", ErrPortNotFound, err)
		}
	}
	return err
}

func (s *Serial) record(a Attempt) {
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()
}

// Attempts returns the baud rates tried by the most recent Connect.
func (s *Serial) Attempts() []Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attempts)
}

// BaudRate returns the rate the port was opened at, or 0.
func (s *Serial) BaudRate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baud
}

// Disconnect stops the listener and closes the port. It is safe to call
// when already disconnected and never fails in that case.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	l := s.listen
	s.port = nil
	s.listen = nil
	s.baud = 0
	s.state = StateDisconnected
	s.gen++
	s.mu.Unlock()

	if l != nil {
		l.stop.Close()
	}

	if port != nil {
		s.closePort(port)
	}

	// Wait after closing so a blocked Read is released first.
	if l != nil {
		<-l.done
	}

	if port != nil {
		s.log().Info("serial port disconnected", "path", s.info.Path)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && s.port != nil
}

// Send encodes pkt, frames it and writes the frame followed by a drain.
// With no open port it fails immediately with ErrNotConnected.
func (s *Serial) Send(_ context.Context, pkt *packet.MeshPacket) error {
	s.mu.RLock()
	port := s.port
	s.mu.RUnlock()
	if port == nil {
		return ErrNotConnected
	}

	payload, err := s.opts.Codec.Encode(pkt)
	if err != nil {
		return err
	}
	data := frame.Encode(payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for written := 0; written < len(data); {
		n, err := port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("writing frame: %w", io.ErrShortWrite)
		}
		written += n
	}
	if err := port.Drain(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}

	s.bytesWritten.Add(uint64(len(data)))
	s.framesSent.Add(1)
	return nil
}

// StartListening starts the background read loop and returns the packet
// channel. The loop stops on StopListening, Disconnect, ctx cancellation
// or a read error; in every case it closes the channel on exit.
func (s *Serial) StartListening(ctx context.Context) (<-chan *packet.MeshPacket, error) {
	s.mu.RLock()
	port, listening := s.port, s.listen != nil
	s.mu.RUnlock()

	if port == nil {
		return nil, ErrNotConnected
	}
	if listening {
		return nil, ErrAlreadyListening
	}
	if err := port.SetReadTimeout(s.opts.ReadTimeout); err != nil {
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The port may have been swapped or a listener started meanwhile.
	if s.port != port {
		return nil, ErrNotConnected
	}
	if s.listen != nil {
		return nil, ErrAlreadyListening
	}

	l := &listener{stop: newCloseOnce(), done: make(chan struct{})}
	out := make(chan *packet.MeshPacket, s.opts.PacketBuffer)
	s.listen = l

	go s.readLoop(ctx, port, l, out)
	return out, nil
}

// StopListening stops the read loop and waits for it to exit.
func (s *Serial) StopListening() {
	s.mu.Lock()
	l := s.listen
	s.listen = nil
	s.mu.Unlock()

	if l == nil {
		return
	}
	l.stop.Close()
	<-l.done
}

func (s *Serial) readLoop(ctx context.Context, port Port, l *listener, out chan<- *packet.MeshPacket) {
	defer close(l.done)
	defer close(out)

	stopped := func() bool {
		select {
		case <-l.stop.Done():
			return true
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	extractor := frame.NewExtractor()
	buf := make([]byte, readBufferSize)

	for {
		if stopped() {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if stopped() {
				return
			}
			s.log().Error("serial read failed", "path", s.info.Path, "error", err)
			s.readFailed(l, port, err)
			return
		}

		if n == 0 {
			select {
			case <-l.stop.Done():
				return
			case <-ctx.Done():
				return
			case <-time.After(idleBackoff):
			}
			continue
		}

		s.bytesRead.Add(uint64(n))
		extractor.Write(buf[:n])

		for {
			payload, ok, ferr := extractor.Next()
			if ferr != nil {
				s.frameErrors.Add(1)
				s.log().Debug("dropping frame", "path", s.info.Path, "error", ferr)
				continue
			}
			if !ok {
				break
			}

			pkt, derr := s.opts.Codec.Decode(payload)
			if derr != nil {
				s.decodeErrors.Add(1)
				s.log().Debug("dropping undecodable packet", "path", s.info.Path, "error", derr)
				continue
			}
			s.framesReceived.Add(1)
			s.observe(pkt)

			select {
			case out <- pkt:
			case <-l.stop.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// readFailed moves the link into the error state and releases the port,
// unless the listener or port was already replaced.
func (s *Serial) readFailed(l *listener, port Port, err error) {
	s.mu.Lock()
	if s.listen != l {
		s.mu.Unlock()
		return
	}
	s.listen = nil
	s.state = StateError
	s.lastErr = fmt.Sprintf("read failed: %v", err)
	owned := s.port == port
	if owned {
		s.port = nil
		s.baud = 0
	}
	s.mu.Unlock()

	if owned {
		s.closePort(port)
	}
}

// observe keeps the per-link table of heard nodes.
func (s *Serial) observe(pkt *packet.MeshPacket) {
	if pkt.From == 0 || packet.IsBroadcast(pkt.From) {
		return
	}

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	n, ok := s.nodes[pkt.From]
	if !ok {
		n = &Node{Num: pkt.From}
		s.nodes[pkt.From] = n
	}
	n.LastHeard = time.Now()
	n.SNR = pkt.RxSNR
	n.RSSI = pkt.RxRSSI
	if info, ok := pkt.Payload.(packet.NodeInfo); ok {
		user := info.User
		n.User = &user
	}
}

// Nodes returns the nodes heard on this link, ordered by node number.
func (s *Serial) Nodes(_ context.Context) ([]Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		c := *n
		if n.User != nil {
			u := *n.User
			c.User = &u
		}
		nodes = append(nodes, c)
	}
	slices.SortFunc(nodes, func(a, b Node) int {
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	})
	return nodes, nil
}

// NodeNum returns the local node number.
func (s *Serial) NodeNum() uint32 { return s.opts.NodeNum }

// Info returns the device this transport addresses.
func (s *Serial) Info() DeviceInfo { return s.info }

// State returns the current link state.
func (s *Serial) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot of the link counters.
func (s *Serial) Stats() Stats {
	s.mu.RLock()
	baud, lastErr, connectedAt := s.baud, s.lastErr, s.connectedAt
	s.mu.RUnlock()

	return Stats{
		BytesRead:      s.bytesRead.Load(),
		BytesWritten:   s.bytesWritten.Load(),
		FramesReceived: s.framesReceived.Load(),
		FramesSent:     s.framesSent.Load(),
		FrameErrors:    s.frameErrors.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		BaudRate:       baud,
		LastError:      lastErr,
		ConnectedAt:    connectedAt,
	}
}
