package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meshlink-core/internal/mesh/frame"
	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// fakePort is an in-memory Port. Bytes pushed with feed are returned by
// Read; a Read with nothing queued returns zero after a short wait.
type fakePort struct {
	mu      sync.Mutex
	pending []byte
	written bytes.Buffer
	drains  int
	closed  bool

	rx       chan []byte
	readErr  chan error
	closedCh chan struct{}
}

func newFakePort() *fakePort {
	return &fakePort{
		rx:       make(chan []byte, 64),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (p *fakePort) feed(b []byte) { p.rx <- bytes.Clone(b) }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case chunk := <-p.rx:
		n := copy(b, chunk)
		p.mu.Lock()
		p.pending = append(p.pending, chunk[n:]...)
		p.mu.Unlock()
		return n, nil
	case err := <-p.readErr:
		return 0, err
	case <-p.closedCh:
		return 0, io.ErrClosedPipe
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.written.Write(b)
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	p.drains++
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

var errNoDevice = errors.New("no device at this rate")

// openerFor returns an opener that succeeds only at the given baud rate.
func openerFor(port *fakePort, good int) PortOpener {
	return func(_ string, baud int) (Port, error) {
		if baud != good {
			return nil, fmt.Errorf("%w: %d", errNoDevice, baud)
		}
		return port, nil
	}
}

func connectedSerial(t *testing.T) (*Serial, *fakePort) {
	t.Helper()
	port := newFakePort()
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates: []int{115200},
		Opener:    openerFor(port, 115200),
		NodeNum:   0x1234,
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return s, port
}

func encodeFrame(t *testing.T, pkt *packet.MeshPacket) []byte {
	t.Helper()
	data, err := packet.Default.Encode(pkt)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return frame.Encode(data)
}

func receive(t *testing.T, ch <-chan *packet.MeshPacket) *packet.MeshPacket {
	t.Helper()
	select {
	case pkt, ok := <-ch:
		if !ok {
			t.Fatal("packet channel closed")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return nil
}

func waitClosed(t *testing.T, ch <-chan *packet.MeshPacket) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("packet channel not closed")
		}
	}
}

// ===== Connect =====

func TestSerial_ConnectProbesBaudRates(t *testing.T) {
	port := newFakePort()
	s := NewSerial(DeviceInfo{Path: "/dev/ttyACM0"}, SerialOptions{
		BaudRates: []int{115200, 921600, 57600},
		Opener:    openerFor(port, 57600),
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Disconnect()

	if !s.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if s.BaudRate() != 57600 {
		t.Errorf("BaudRate() = %d, want 57600", s.BaudRate())
	}

	attempts := s.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("len(Attempts()) = %d, want 3", len(attempts))
	}
	for i, want := range []int{115200, 921600} {
		if attempts[i].BaudRate != want || !errors.Is(attempts[i].Err, errNoDevice) {
			t.Errorf("attempt %d = %+v, want failed at %d", i, attempts[i], want)
		}
	}
	if attempts[2].Err != nil {
		t.Errorf("attempt 2 error = %v, want nil", attempts[2].Err)
	}
}

func TestSerial_ConnectAllFail(t *testing.T) {
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB9"}, SerialOptions{
		Opener: func(string, int) (Port, error) { return nil, errNoDevice },
	})

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if !errors.Is(err, errNoDevice) {
		t.Errorf("Connect() error = %v, want wrapping last cause", err)
	}
	if got := len(s.Attempts()); got != len(DefaultBaudRates) {
		t.Errorf("len(Attempts()) = %d, want %d", got, len(DefaultBaudRates))
	}
	if s.State() != StateError {
		t.Errorf("State() = %v, want error", s.State())
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
}

func TestSerial_ConnectOpenTimeout(t *testing.T) {
	late := newFakePort()
	release := make(chan struct{})
	defer close(release)

	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates:   []int{115200},
		OpenTimeout: 20 * time.Millisecond,
		Opener: func(string, int) (Port, error) {
			<-release
			return late, nil
		},
	})

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed wrapping ErrTimeout", err)
	}
}

func TestSerial_LatePortIsClosed(t *testing.T) {
	late := newFakePort()
	release := make(chan struct{})

	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates:   []int{115200},
		OpenTimeout: 10 * time.Millisecond,
		Opener: func(string, int) (Port, error) {
			<-release
			return late, nil
		},
	})

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() error = nil, want timeout")
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for !late.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("port that opened after the deadline was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSerial_ConnectProbeRejects(t *testing.T) {
	ports := map[int]*fakePort{115200: newFakePort(), 57600: newFakePort()}

	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates: []int{115200, 57600},
		Opener:    func(_ string, baud int) (Port, error) { return ports[baud], nil },
		Probe: func(p Port) error {
			if p == Port(ports[115200]) {
				return errors.New("garbage reply")
			}
			return nil
		},
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Disconnect()

	if s.BaudRate() != 57600 {
		t.Errorf("BaudRate() = %d, want 57600", s.BaudRate())
	}
	if !ports[115200].isClosed() {
		t.Error("rejected port was not closed")
	}
	if a := s.Attempts(); !errors.Is(a[0].Err, ErrInvalidResponse) {
		t.Errorf("attempt 0 error = %v, want ErrInvalidResponse", a[0].Err)
	}
}

func TestSerial_ConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		Opener: openerFor(newFakePort(), 115200),
	})

	err := s.Connect(ctx)
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed wrapping context.Canceled", err)
	}
}

func TestSerial_ConnectTwiceIsNoop(t *testing.T) {
	s, _ := connectedSerial(t)
	if err := s.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v, want nil", err)
	}
	if len(s.Attempts()) != 1 {
		t.Errorf("len(Attempts()) = %d, want 1", len(s.Attempts()))
	}
}

// ===== Disconnect =====

func TestSerial_DisconnectIdempotent(t *testing.T) {
	s, port := connectedSerial(t)

	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	for i := range 2 {
		if err := s.Disconnect(); err != nil {
			t.Errorf("Disconnect() #%d error = %v", i+1, err)
		}
		if s.IsConnected() {
			t.Errorf("IsConnected() after Disconnect() #%d = true", i+1)
		}
	}

	waitClosed(t, ch)
	if !port.isClosed() {
		t.Error("port not closed")
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestSerial_DisconnectNeverConnected(t *testing.T) {
	s := NewSerial(DeviceInfo{Path: "/dev/null"}, SerialOptions{})
	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v, want nil", err)
	}
}

// ===== Send =====

func TestSerial_SendNotConnected(t *testing.T) {
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{})

	err := s.Send(context.Background(), packet.NewText(1, packet.BroadcastAddr, "hi"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestSerial_SendWritesFrame(t *testing.T) {
	s, port := connectedSerial(t)
	pkt := packet.NewText(s.NodeNum(), packet.BroadcastAddr, "hello")

	if err := s.Send(context.Background(), pkt); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ex := frame.NewExtractor()
	ex.Write(port.writtenBytes())
	payload, ok, err := ex.Next()
	if err != nil || !ok {
		t.Fatalf("written bytes are not a frame: ok=%v err=%v", ok, err)
	}
	got, err := packet.Default.Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, pkt) {
		t.Errorf("sent packet = %+v, want %+v", got, pkt)
	}

	if port.drains != 1 {
		t.Errorf("Drain() calls = %d, want 1", port.drains)
	}
	if st := s.Stats(); st.FramesSent != 1 || st.BytesWritten == 0 {
		t.Errorf("Stats() = %+v, want one frame sent", st)
	}
}

// ===== Listening =====

func TestSerial_ListenDeliversInOrder(t *testing.T) {
	s, port := connectedSerial(t)

	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	var stream []byte
	for i := range 5 {
		pkt := packet.NewText(100, packet.BroadcastAddr, fmt.Sprintf("msg %d", i))
		pkt.ID = uint32(i + 1)
		stream = append(stream, encodeFrame(t, pkt)...)
	}
	// Split at awkward boundaries.
	for i := 0; i < len(stream); i += 7 {
		port.feed(stream[i:min(i+7, len(stream))])
	}

	for i := range 5 {
		pkt := receive(t, ch)
		if pkt.ID != uint32(i+1) {
			t.Errorf("packet %d ID = %d, want %d", i, pkt.ID, i+1)
		}
	}
}

func TestSerial_ListenDropsCorruptFrames(t *testing.T) {
	s, port := connectedSerial(t)

	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	bad := encodeFrame(t, packet.NewText(7, packet.BroadcastAddr, "bad"))
	bad[bytes.Index(bad, []byte("bad"))] ^= 0x01
	good := packet.NewText(7, packet.BroadcastAddr, "good")

	port.feed(bad)
	port.feed(frame.Encode([]byte{0xff})) // valid frame, undecodable packet
	port.feed(encodeFrame(t, good))

	if got := receive(t, ch); got.ID != good.ID {
		t.Errorf("received ID = %d, want %d", got.ID, good.ID)
	}
	st := s.Stats()
	if st.FrameErrors != 1 {
		t.Errorf("FrameErrors = %d, want 1", st.FrameErrors)
	}
	if st.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", st.DecodeErrors)
	}
}

func TestSerial_ReadErrorEndsLoop(t *testing.T) {
	s, port := connectedSerial(t)

	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	port.readErr <- errors.New("device unplugged")
	waitClosed(t, ch)

	if s.State() != StateError {
		t.Errorf("State() = %v, want error", s.State())
	}
	if s.Stats().LastError == "" {
		t.Error("Stats().LastError is empty")
	}
}

func TestSerial_ReconnectAfterReadError(t *testing.T) {
	first, second := newFakePort(), newFakePort()
	ports := []*fakePort{first, second}
	var opened int
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates: []int{115200},
		Opener: func(string, int) (Port, error) {
			p := ports[opened]
			opened++
			return p, nil
		},
	})
	t.Cleanup(func() { s.Disconnect() })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	first.readErr <- errors.New("device unplugged")
	waitClosed(t, ch)

	if !first.isClosed() {
		t.Fatal("port not released after read error")
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after read error, want false")
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if !s.IsConnected() {
		t.Error("IsConnected() = false after reconnect, want true")
	}
	if second.isClosed() {
		t.Error("new port closed by reconnect")
	}

	s.Disconnect()
	if !second.isClosed() {
		t.Error("Disconnect() left the new port open")
	}
}

func TestSerial_DisconnectDuringConnect(t *testing.T) {
	port := newFakePort()
	release := make(chan struct{})
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates:   []int{115200},
		OpenTimeout: 2 * time.Second,
		Opener: func(string, int) (Port, error) {
			<-release
			return port, nil
		},
	})

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("Connect never reached the connecting state")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	close(release)

	if err := <-result; !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if !port.isClosed() {
		t.Error("port opened after Disconnect was not closed")
	}
	if s.IsConnected() || s.State() != StateDisconnected {
		t.Errorf("State() = %v, IsConnected() = %v, want disconnected", s.State(), s.IsConnected())
	}
}

// hookedPort runs onTimeout inside SetReadTimeout.
type hookedPort struct {
	*fakePort
	onTimeout func()
}

func (p *hookedPort) SetReadTimeout(time.Duration) error {
	p.onTimeout()
	return nil
}

func TestSerial_StartListeningUnlockedDriverCall(t *testing.T) {
	port := &hookedPort{fakePort: newFakePort()}
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{
		BaudRates: []int{115200},
		Opener:    func(string, int) (Port, error) { return port, nil },
	})
	t.Cleanup(func() { s.Disconnect() })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// A driver call that needs the link state must not deadlock.
	port.onTimeout = func() { s.State() }

	done := make(chan error, 1)
	go func() {
		_, err := s.StartListening(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartListening() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartListening() blocked in SetReadTimeout")
	}
}

func TestSerial_StopListening(t *testing.T) {
	s, _ := connectedSerial(t)

	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	if _, err := s.StartListening(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second StartListening() error = %v, want ErrAlreadyListening", err)
	}

	s.StopListening()
	waitClosed(t, ch)
	s.StopListening()

	if !s.IsConnected() {
		t.Error("IsConnected() = false after StopListening, want true")
	}
	if _, err := s.StartListening(context.Background()); err != nil {
		t.Errorf("StartListening() after stop error = %v", err)
	}
}

func TestSerial_StartListeningNotConnected(t *testing.T) {
	s := NewSerial(DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{})
	if _, err := s.StartListening(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartListening() error = %v, want ErrNotConnected", err)
	}
}

// ===== Nodes =====

func TestSerial_NodesHeard(t *testing.T) {
	s, port := connectedSerial(t)

	ch, err := s.StartListening(context.Background())
	if err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	info := &packet.MeshPacket{
		From: 42, To: packet.BroadcastAddr, ID: 1, RxSNR: 6.5, RxRSSI: -90,
		Payload: packet.NodeInfo{User: packet.User{ID: "!0000002a", LongName: "Relay", ShortName: "RL"}},
	}
	port.feed(encodeFrame(t, info))
	port.feed(encodeFrame(t, &packet.MeshPacket{From: 7, To: 42, ID: 2, Payload: packet.Text("x")}))
	receive(t, ch)
	receive(t, ch)

	nodes, err := s.Nodes(context.Background())
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("len(Nodes()) = %d, want 2", len(nodes))
	}
	if nodes[0].Num != 7 || nodes[0].User != nil {
		t.Errorf("Nodes()[0] = %+v, want node 7 without identity", nodes[0])
	}
	if nodes[1].Num != 42 || nodes[1].User == nil || nodes[1].User.LongName != "Relay" {
		t.Errorf("Nodes()[1] = %+v, want node 42 named Relay", nodes[1])
	}
	if nodes[1].RSSI != -90 {
		t.Errorf("Nodes()[1].RSSI = %d, want -90", nodes[1].RSSI)
	}
}

// ===== Kinds =====

func TestNew_UnsupportedKinds(t *testing.T) {
	for _, kind := range []Kind{KindBluetooth, KindTCP} {
		_, err := New(kind, DeviceInfo{Path: "x"}, SerialOptions{})
		if !errors.Is(err, ErrUnsupported) {
			t.Errorf("New(%v) error = %v, want ErrUnsupported", kind, err)
		}
	}

	tr, err := New(KindSerial, DeviceInfo{Path: "/dev/ttyUSB0"}, SerialOptions{})
	if err != nil {
		t.Fatalf("New(serial) error = %v", err)
	}
	if tr.Info().Kind != KindSerial {
		t.Errorf("Info().Kind = %v, want serial", tr.Info().Kind)
	}
	if tr.NodeNum() == 0 || packet.IsBroadcast(tr.NodeNum()) {
		t.Errorf("NodeNum() = %#x, want a random unicast number", tr.NodeNum())
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"serial", KindSerial, false},
		{"", KindSerial, false},
		{"Bluetooth", KindBluetooth, false},
		{"tcp", KindTCP, false},
		{"carrier-pigeon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
