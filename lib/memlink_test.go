package lib

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// memTransport is one end of an in-memory point-to-point link. hook sees
// every outbound frame and may rewrite it or return nil to drop it.
type memTransport struct {
	peer   *memTransport
	inbox  chan []byte
	poll   time.Duration
	hook   func(frame []byte) []byte
	closed chan struct{}
	once   sync.Once
}

func newMemLink() (*memTransport, *memTransport) {
	a := &memTransport{inbox: make(chan []byte, 256), poll: 20 * time.Millisecond, closed: make(chan struct{})}
	b := &memTransport{inbox: make(chan []byte, 256), poll: 20 * time.Millisecond, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memTransport) Send(frame []byte) error {
	select {
	case <-m.closed:
		return errors.New("memlink: closed")
	default:
	}
	f := append([]byte(nil), frame...)
	if m.hook != nil {
		if f = m.hook(f); f == nil {
			return nil
		}
	}
	select {
	case m.peer.inbox <- f:
	default: // queue full: the link loses the frame
	}
	return nil
}

func (m *memTransport) Receive() (netip.Addr, []byte, error) {
	select {
	case f := <-m.inbox:
		hdr, hlen, err := ParseIPHeader(f)
		if err != nil {
			return netip.Addr{}, nil, &TimeoutError{msg: "memlink: bad frame"}
		}
		return hdr.Src, f[hlen:], nil
	case <-m.closed:
		return netip.Addr{}, nil, errors.New("memlink: closed")
	case <-time.After(m.poll):
		return netip.Addr{}, nil, &TimeoutError{msg: "memlink: poll timeout"}
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// memFile is an in-memory FileWriter.
type memFile struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("memfile: closed")
	}
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *memFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

// memFiles hands out memFiles by name.
type memFiles struct {
	mu    sync.Mutex
	files map[string]*memFile
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string]*memFile)}
}

func (m *memFiles) open(name string) (FileWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &memFile{}
	m.files[name] = f
	return f, nil
}

func (m *memFiles) get(name string) *memFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[name]
}

// frameSegment decodes the SRFT segment of a complete frame, nil if it does
// not parse.
func frameSegment(frame []byte) *Segment {
	if len(frame) < FrameOverhead {
		return nil
	}
	seg := &Segment{}
	if err := seg.Unmarshal(frame[IpHeaderLength+UdpHeaderLength:]); err != nil {
		return nil
	}
	return seg
}

// nthDataFrame calls act on the nth DATA frame (counting from 1) that
// crosses the hook and passes every other frame through.
func nthDataFrame(n int, act func(frame []byte) []byte) func([]byte) []byte {
	var mu sync.Mutex
	count := 0
	return func(frame []byte) []byte {
		seg := frameSegment(frame)
		if seg == nil || !seg.Has(DATAFlag) {
			return frame
		}
		mu.Lock()
		count++
		hit := count == n
		mu.Unlock()
		if hit {
			return act(frame)
		}
		return frame
	}
}

var (
	clientEndpoint = Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 12346}
	serverEndpoint = Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 12345}
)

func testCoreConfig() *SrftCoreConfig {
	config := DefaultSrftCoreConfig()
	config.RetransmitTimeout = 200 * time.Millisecond
	config.IdleTimeout = 5 * time.Second
	config.LingerTimeout = 500 * time.Millisecond
	config.PollInterval = 20 * time.Millisecond
	return config
}

func testPSK() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}
