package lib

import (
	"context"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"go.uber.org/zap"
)

// segmentLink is what the window engines need from their session: turning a
// segment into a wire frame (sealing it first when the session is secure)
// and writing a frame.
type segmentLink interface {
	encode(seg *Segment) ([]byte, error)
	send(frame []byte) error
}

// inflightSlot is one unacknowledged segment, kept as its serialized frame.
type inflightSlot struct {
	used       bool
	seq        uint32
	flags      uint8
	payloadLen int
	frame      *rp.Element
	firstSent  time.Time
	retries    int
}

// Sender is the sliding-window sender. Slots are indexed by the distance
// from the initial sequence number modulo the window size; every in-flight
// sequence number lies in [base, base+window).
type Sender struct {
	mu     sync.Mutex
	config *SrftCoreConfig
	link   segmentLink
	pool   *framePool
	stats  *Stats
	log    *zap.Logger

	state        int
	window       []inflightSlot
	origin       uint32 // slot 0; a whole number of windows at or behind base
	base         uint32 // oldest unacknowledged sequence number
	next         uint32 // next sequence number to assign
	inFlight     int
	timerStart   time.Time // window retransmission timer
	lastProgress time.Time
	ackedBytes   int64
	request      string // file named by a pull request, while serving
	err          error
	changed      chan struct{} // closed and replaced on every state change
}

func newSender(config *SrftCoreConfig, link segmentLink, pool *framePool, stats *Stats, logger *zap.Logger, isn uint32) *Sender {
	return &Sender{
		config:       config,
		link:         link,
		pool:         pool,
		stats:        stats,
		log:          logger,
		state:        SenderIdle,
		window:       make([]inflightSlot, config.WindowSize),
		origin:       isn,
		base:         isn,
		next:         isn,
		lastProgress: time.Now(),
		changed:      make(chan struct{}),
	}
}

func (s *Sender) State() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the number of unacknowledged segments.
func (s *Sender) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Progress returns the cumulative acknowledgment and the DATA bytes it
// covers.
func (s *Sender) Progress() (uint32, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base, s.ackedBytes
}

func (s *Sender) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Sender) setStateLocked(state int) {
	if s.state == state {
		return
	}
	s.log.Info("sender state",
		zap.String("from", StateName("sender", s.state)),
		zap.String("to", StateName("sender", state)))
	s.state = state
	s.broadcastLocked()
}

// failLocked moves the sender to FAILED, drops every in-flight frame and
// returns the error that ends the session.
func (s *Sender) failLocked(kind error, op string, cause error) error {
	if s.err != nil {
		return s.err
	}
	te := newTransferError(kind, op, cause)
	te.LastAck, te.Bytes = s.base, s.ackedBytes
	s.err = te
	s.releaseAllLocked()
	s.log.Error("sender failed", zap.Error(te))
	s.setStateLocked(SenderFailed)
	return te
}

// Fail ends the sender from outside, e.g. when the transport breaks.
func (s *Sender) Fail(kind error, op string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(kind, op, cause)
}

func (s *Sender) slotLocked(seq uint32) *inflightSlot {
	return &s.window[(seq-s.origin)%uint32(len(s.window))]
}

func (s *Sender) releaseAllLocked() {
	for i := range s.window {
		if s.window[i].used {
			s.pool.release(s.window[i].frame)
		}
		s.window[i] = inflightSlot{}
	}
	s.inFlight = 0
}

// waitFor blocks until cond holds (evaluated under s.mu), the sender fails
// or ctx ends. A cancelled context fails the sender with ErrTimeout.
func (s *Sender) waitFor(ctx context.Context, op string, cond func() bool) error {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if cond() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return s.Fail(ErrTimeout, op, ctx.Err())
		}
	}
}

// transmitLocked assigns the next sequence number, serializes the segment
// once, parks the frame in the window and writes it.
func (s *Sender) transmitLocked(flags uint8, payload []byte, now time.Time) error {
	if s.state == SenderFailed || s.state == SenderClosed {
		return ErrSessionClosed
	}
	seg := &Segment{SequenceNumber: s.next, Flags: flags, Payload: payload}
	frame, err := s.link.encode(seg)
	if err != nil {
		return s.failLocked(ErrIO, "encode "+FlagString(flags), err)
	}
	el, err := s.pool.store(frame)
	if err != nil {
		return s.failLocked(ErrIO, "store frame", err)
	}

	slot := s.slotLocked(s.next)
	*slot = inflightSlot{
		used:       true,
		seq:        s.next,
		flags:      flags,
		payloadLen: len(payload),
		frame:      el,
		firstSent:  now,
	}
	if s.inFlight == 0 {
		s.timerStart = now
	}
	s.inFlight++
	s.next = SeqIncrement(s.next)

	s.stats.SegmentsSent.Add(1)
	if flags&DATAFlag != 0 {
		s.stats.DataSegmentsSent.Add(1)
		s.stats.BytesSent.Add(int64(len(payload)))
	}
	s.log.Debug("segment sent", zap.Uint32("seq", slot.seq), zap.String("flags", FlagString(flags)), zap.Int("len", len(payload)))

	if err := s.link.send(frameOf(el)); err != nil {
		return s.failLocked(ErrIO, "send "+FlagString(flags), err)
	}
	return nil
}

// Open sends the transfer request carrying the file name and waits for its
// acknowledgment.
func (s *Sender) Open(ctx context.Context, fileName string) error {
	s.mu.Lock()
	if s.state != SenderIdle {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	reqSeq := s.next
	s.lastProgress = time.Now()
	if err := s.transmitLocked(REQFlag, []byte(fileName), s.lastProgress); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(SenderRequestSent)
	s.mu.Unlock()

	if err := s.waitFor(ctx, "request", func() bool { return isGreater(s.base, reqSeq) }); err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(SenderTransferring)
	s.mu.Unlock()
	return nil
}

// HandleRequest records the file named by a pull request. Only the first
// request before the transfer starts is taken.
func (s *Sender) HandleRequest(seg *Segment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderIdle || s.request != "" || len(seg.Payload) == 0 {
		return false
	}
	s.request = string(seg.Payload)
	s.log.Info("pull request", zap.String("file", s.request))
	s.broadcastLocked()
	return true
}

// AwaitRequest blocks until a pull request names a file.
func (s *Sender) AwaitRequest(ctx context.Context) (string, error) {
	if err := s.waitFor(ctx, "await request", func() bool { return s.request != "" }); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request, nil
}

// Push sends one chunk as a DATA segment, blocking while the window is
// full.
func (s *Sender) Push(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 || len(chunk) > s.config.MaxPayloadSize {
		return newTransferError(ErrMalformed, "push", nil)
	}
	err := s.waitFor(ctx, "window wait", func() bool { return s.inFlight < len(s.window) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderTransferring {
		if s.err != nil {
			return s.err
		}
		return ErrSessionClosed
	}
	return s.transmitLocked(DATAFlag, chunk, time.Now())
}

// Finish waits for every DATA segment to be acknowledged, then sends FIN and
// waits for its acknowledgment.
func (s *Sender) Finish(ctx context.Context) error {
	if err := s.waitFor(ctx, "drain", func() bool { return s.inFlight == 0 }); err != nil {
		return err
	}

	s.mu.Lock()
	finSeq := s.next
	if err := s.transmitLocked(FINFlag, nil, time.Now()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(SenderFinSent)
	s.mu.Unlock()

	if err := s.waitFor(ctx, "fin", func() bool { return isGreater(s.base, finSeq) }); err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(SenderClosed)
	s.mu.Unlock()
	return nil
}

// HandleAck processes a cumulative acknowledgment. ACK numbers that do not
// advance the base, or that acknowledge unsent data, are ignored.
func (s *Sender) HandleAck(seg *Segment, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SenderFailed || s.state == SenderClosed || s.state == SenderIdle {
		return
	}
	ack := seg.AcknowledgmentNum
	if !isGreater(ack, s.base) || isGreater(ack, s.next) {
		s.log.Debug("stale ack", zap.Uint32("ack", ack), zap.Uint32("base", s.base), zap.Uint32("next", s.next))
		return
	}
	oldest := s.slotLocked(s.base)
	s.stats.AddRTTSample(now.Sub(oldest.firstSent))

	dataAcked := false
	for seq := s.base; seq != ack; seq = SeqIncrement(seq) {
		slot := s.slotLocked(seq)
		if slot.flags&DATAFlag != 0 {
			s.ackedBytes += int64(slot.payloadLen)
			dataAcked = true
		}
		s.pool.release(slot.frame)
		*slot = inflightSlot{}
		s.inFlight--
	}
	if dataAcked && seg.Flags == ACKFlag {
		s.stats.AcksReceived.Add(1)
	}
	s.base = ack
	// keep origin within one window of base
	for span := uint32(len(s.window)); s.base-s.origin >= span; {
		s.origin += span
	}
	s.timerStart = now
	s.lastProgress = now
	s.log.Debug("window advanced", zap.Uint32("base", s.base), zap.Int("inFlight", s.inFlight))
	s.broadcastLocked()
}

// Sweep runs the window retransmission timer and the idle timeout. When the
// timer expires only the base segment is retransmitted; a segment that
// exhausted its retries fails the session with ErrPeerUnresponsive.
func (s *Sender) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SenderIdle, SenderFailed, SenderClosed:
		return
	}
	if now.Sub(s.lastProgress) >= s.config.IdleTimeout {
		s.failLocked(ErrTimeout, "idle", nil)
		return
	}
	if s.inFlight == 0 || now.Sub(s.timerStart) < s.config.RetransmitTimeout {
		return
	}

	slot := s.slotLocked(s.base)
	if slot.retries >= s.config.MaxRetries {
		s.failLocked(ErrPeerUnresponsive, "retransmit "+FlagString(slot.flags), nil)
		return
	}
	slot.retries++
	s.timerStart = now
	s.stats.Retransmissions.Add(1)
	s.stats.SegmentsSent.Add(1)
	s.log.Debug("retransmit", zap.Uint32("seq", slot.seq), zap.Int("retry", slot.retries))
	if err := s.link.send(frameOf(slot.frame)); err != nil {
		s.failLocked(ErrIO, "retransmit", err)
	}
}

// Close releases in-flight frames. The sender performs no further sends.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseAllLocked()
	if s.state != SenderClosed && s.state != SenderFailed {
		s.setStateLocked(SenderClosed)
	}
}
