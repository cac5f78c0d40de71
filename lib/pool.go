package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// FrameBuffer is a pooled buffer holding one serialized frame while its
// segment is in flight.
type FrameBuffer struct {
	frameBytes []byte
	length     int
}

// NewFrameBuffer is the ring pool constructor. It takes one parameter: the
// buffer capacity in bytes.
func NewFrameBuffer(params ...interface{}) rp.DataInterface {
	capacity := MaxIPv4Datagram
	if len(params) == 1 {
		if c, ok := params[0].(int); ok && c > 0 {
			capacity = c
		}
	}
	return &FrameBuffer{frameBytes: make([]byte, capacity)}
}

func (f *FrameBuffer) SetContent(s string) {
	f.length = copy(f.frameBytes, s)
}

// Reset clears the buffer so no frame bytes outlive their segment.
func (f *FrameBuffer) Reset() {
	clear(f.frameBytes[:f.length])
	f.length = 0
}

func (f *FrameBuffer) PrintContent() {
	fmt.Printf("FrameBuffer: %d bytes %x\n", f.length, f.frameBytes[:f.length])
}

func (f *FrameBuffer) Copy(src []byte) error {
	if len(src) > len(f.frameBytes) {
		return fmt.Errorf("FrameBuffer Copy: frame (%d) is longer than buffer (%d)", len(src), len(f.frameBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("FrameBuffer Copy: frame is empty")
	}
	f.length = copy(f.frameBytes, src)
	return nil
}

func (f *FrameBuffer) GetSlice() []byte {
	return f.frameBytes[:f.length]
}

// framePool hands out frame buffers for one session's send window.
type framePool struct {
	pool *rp.RingPool
}

func newFramePool(slots, frameCapacity int, debug bool) *framePool {
	pool := rp.NewRingPool("SRFT: ", slots, NewFrameBuffer, frameCapacity)
	pool.Debug = debug
	return &framePool{pool: pool}
}

// store copies frame into a pooled buffer.
func (p *framePool) store(frame []byte) (*rp.Element, error) {
	el := p.pool.GetElement()
	if el == nil {
		return nil, fmt.Errorf("frame pool exhausted")
	}
	if err := el.Data.(*FrameBuffer).Copy(frame); err != nil {
		p.pool.ReturnElement(el)
		return nil, err
	}
	return el, nil
}

func (p *framePool) release(el *rp.Element) {
	if el != nil {
		p.pool.ReturnElement(el)
	}
}

func frameOf(el *rp.Element) []byte {
	return el.Data.(*FrameBuffer).GetSlice()
}
