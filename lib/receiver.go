package lib

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// recvSlot holds a segment that arrived ahead of the delivery cursor.
type recvSlot struct {
	used    bool
	seq     uint32
	payload []byte
}

// Receiver is the sliding-window receiver. Out-of-order DATA inside
// [expected, expected+window) is buffered in slots indexed by the distance
// from the request's sequence number; every segment is answered with one
// cumulative ACK carrying expected.
type Receiver struct {
	mu     sync.Mutex
	config *SrftCoreConfig
	link   segmentLink
	stats  *Stats
	log    *zap.Logger
	open   WriterFactory

	state        int
	fileName     string
	writer       FileWriter
	expected     uint32 // next in-order sequence number
	origin       uint32 // slot 0; a whole number of windows at or behind expected
	slots        []recvSlot
	buffered     int
	offset       int64
	ackSeq       uint32 // sequence numbers of our own ACK segments
	refreshAcks  bool
	lastAckSent  time.Time
	lastActivity time.Time // last accepted segment
	lastProgress time.Time // last in-order delivery
	finAt        time.Time
	fetchName    string // file asked for by a pull request
	fetchSent    time.Time
	fetchRetries int
	err          error
	finished     chan struct{} // closed when FIN arrives in order
	closed       chan struct{} // closed on CLOSED or FAILED
}

func newReceiver(config *SrftCoreConfig, link segmentLink, stats *Stats, logger *zap.Logger, open WriterFactory, ackISN uint32, refreshAcks bool) *Receiver {
	return &Receiver{
		config:      config,
		link:        link,
		stats:       stats,
		log:         logger,
		open:        open,
		state:       ReceiverIdle,
		slots:       make([]recvSlot, config.WindowSize),
		ackSeq:      ackISN,
		refreshAcks: refreshAcks,
		finished:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

func (r *Receiver) State() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Expected returns the cumulative acknowledgment number the receiver sends.
func (r *Receiver) Expected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// Buffered returns the number of out-of-order segments held.
func (r *Receiver) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffered
}

func (r *Receiver) FileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName
}

// Err returns the error that failed the receiver, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Receiver) setStateLocked(state int) {
	if r.state == state {
		return
	}
	r.log.Info("receiver state",
		zap.String("from", StateName("receiver", r.state)),
		zap.String("to", StateName("receiver", state)))
	r.state = state
	switch state {
	case ReceiverFinReceived:
		close(r.finished)
	case ReceiverClosed, ReceiverFailed:
		close(r.closed)
	}
}

func (r *Receiver) closeWriterLocked() error {
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	return err
}

func (r *Receiver) failLocked(kind error, op string, cause error) error {
	if r.err != nil {
		return r.err
	}
	te := newTransferError(kind, op, cause)
	te.LastAck, te.Bytes = r.expected, r.offset
	r.err = te
	r.closeWriterLocked()
	for i := range r.slots {
		r.slots[i] = recvSlot{}
	}
	r.buffered = 0
	r.log.Error("receiver failed", zap.Error(te))
	r.setStateLocked(ReceiverFailed)
	return te
}

// Fail ends the receiver from outside, e.g. when the transport breaks.
func (r *Receiver) Fail(kind error, op string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failLocked(kind, op, cause)
}

func (r *Receiver) sendAckLocked(flags uint8, now time.Time) {
	seg := &Segment{SequenceNumber: r.ackSeq, AcknowledgmentNum: r.expected, Flags: flags}
	r.ackSeq = SeqIncrement(r.ackSeq)
	frame, err := r.link.encode(seg)
	if err != nil {
		r.failLocked(ErrIO, "encode ack", err)
		return
	}
	if err := r.link.send(frame); err != nil {
		r.failLocked(ErrIO, "send ack", err)
		return
	}
	r.lastAckSent = now
	r.stats.AcksSent.Add(1)
	r.stats.SegmentsSent.Add(1)
	r.log.Debug("ack sent", zap.Uint32("ack", r.expected), zap.String("flags", FlagString(flags)))
}

// Fetch asks the peer to send name and keeps asking every retransmission
// timeout until its transfer request arrives.
func (r *Receiver) Fetch(name string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ReceiverIdle || r.fetchName != "" {
		return ErrSessionClosed
	}
	if name == "" || len(name) > r.config.MaxPayloadSize {
		return r.failLocked(ErrMalformed, "fetch", nil)
	}
	r.fetchName = name
	r.sendFetchLocked(now)
	return r.err
}

// sendFetchLocked takes a fresh sequence number from the ACK counter, so a
// repeated request is never mistaken for a replay.
func (r *Receiver) sendFetchLocked(now time.Time) {
	seg := &Segment{SequenceNumber: r.ackSeq, Flags: GETFlag, Payload: []byte(r.fetchName)}
	r.ackSeq = SeqIncrement(r.ackSeq)
	frame, err := r.link.encode(seg)
	if err != nil {
		r.failLocked(ErrIO, "encode fetch", err)
		return
	}
	if err := r.link.send(frame); err != nil {
		r.failLocked(ErrIO, "send fetch", err)
		return
	}
	r.fetchSent = now
	r.stats.SegmentsSent.Add(1)
	r.log.Debug("fetch sent", zap.String("file", r.fetchName), zap.Int("retry", r.fetchRetries))
}

// deliverLocked hands one in-order payload to the writer.
func (r *Receiver) deliverLocked(payload []byte, now time.Time) bool {
	if _, err := r.writer.WriteAt(payload, r.offset); err != nil {
		r.failLocked(ErrIO, "write", err)
		return false
	}
	r.offset += int64(len(payload))
	r.stats.BytesReceived.Add(int64(len(payload)))
	r.expected = SeqIncrement(r.expected)
	if span := uint32(len(r.slots)); r.expected-r.origin >= span {
		r.origin += span
	}
	r.lastProgress = now
	return true
}

func (r *Receiver) slotLocked(seq uint32) *recvSlot {
	return &r.slots[(seq-r.origin)%uint32(len(r.slots))]
}

// drainLocked delivers buffered segments now contiguous with the cursor,
// in ascending order.
func (r *Receiver) drainLocked(now time.Time) bool {
	for r.buffered > 0 {
		slot := r.slotLocked(r.expected)
		if !slot.used || slot.seq != r.expected {
			return true
		}
		payload := slot.payload
		*slot = recvSlot{}
		r.buffered--
		if !r.deliverLocked(payload, now) {
			return false
		}
	}
	return true
}

// HandleSegment processes one authenticated, uncorrupted segment. It reports
// whether the segment was taken (delivered, buffered or completing the
// transfer); a dropped segment must remain acceptable when retransmitted.
func (r *Receiver) HandleSegment(seg *Segment, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case ReceiverClosed, ReceiverFailed:
		return false
	}
	r.lastActivity = now

	switch {
	case seg.Has(REQFlag):
		return r.handleRequestLocked(seg, now)
	case r.state == ReceiverIdle:
		r.log.Debug("segment before transfer request", zap.Stringer("segment", seg))
	case seg.Has(FINFlag):
		return r.handleFinLocked(seg, now)
	case seg.Has(DATAFlag):
		return r.handleDataLocked(seg, now)
	default:
		r.log.Debug("unexpected segment", zap.Stringer("segment", seg))
	}
	return false
}

func (r *Receiver) handleRequestLocked(seg *Segment, now time.Time) bool {
	if r.state != ReceiverIdle {
		if isLess(seg.SequenceNumber, r.expected) {
			r.stats.DuplicatesDropped.Add(1)
			r.sendAckLocked(ACKFlag, now)
		}
		return false
	}
	name, err := SanitizeFileName(string(seg.Payload))
	if err != nil {
		r.failLocked(ErrMalformed, "request", err)
		return false
	}
	writer, err := r.open(name)
	if err != nil {
		r.failLocked(ErrIO, "open "+name, err)
		return false
	}
	r.fileName = name
	r.writer = writer
	r.origin = seg.SequenceNumber
	r.expected = SeqIncrement(seg.SequenceNumber)
	r.lastProgress = now
	r.setStateLocked(ReceiverRequestReceived)
	r.sendAckLocked(ACKFlag, now)
	return true
}

func (r *Receiver) handleDataLocked(seg *Segment, now time.Time) bool {
	if r.state == ReceiverFinReceived {
		r.stats.DuplicatesDropped.Add(1)
		r.sendAckLocked(FINFlag|ACKFlag, now)
		return false
	}
	s := seg.SequenceNumber
	taken := false
	switch {
	case s == r.expected:
		if !r.deliverLocked(seg.Payload, now) || !r.drainLocked(now) {
			return false
		}
		taken = true
	case seqInRange(s, r.expected, len(r.slots)):
		slot := r.slotLocked(s)
		if slot.used && slot.seq == s {
			r.stats.DuplicatesDropped.Add(1)
		} else {
			*slot = recvSlot{used: true, seq: s, payload: append([]byte(nil), seg.Payload...)}
			r.buffered++
			taken = true
			r.log.Debug("buffered out-of-order segment", zap.Uint32("seq", s), zap.Uint32("expected", r.expected))
		}
	case isLess(s, r.expected):
		r.stats.DuplicatesDropped.Add(1)
	default:
		r.log.Debug("segment beyond receive window", zap.Uint32("seq", s), zap.Uint32("expected", r.expected))
	}
	r.setStateLocked(ReceiverReceiving)
	r.sendAckLocked(ACKFlag, now)
	return taken
}

func (r *Receiver) handleFinLocked(seg *Segment, now time.Time) bool {
	switch {
	case r.state == ReceiverFinReceived:
		r.stats.DuplicatesDropped.Add(1)
		r.sendAckLocked(FINFlag|ACKFlag, now)
		return false
	case seg.SequenceNumber == r.expected && r.buffered == 0:
		r.expected = SeqIncrement(r.expected)
		r.finAt = now
		if err := r.closeWriterLocked(); err != nil {
			r.failLocked(ErrIO, "close "+r.fileName, err)
			return false
		}
		r.setStateLocked(ReceiverFinReceived)
		r.sendAckLocked(FINFlag|ACKFlag, now)
		return true
	default:
		r.log.Debug("fin ahead of missing data", zap.Uint32("seq", seg.SequenceNumber), zap.Uint32("expected", r.expected))
		r.sendAckLocked(ACKFlag, now)
		return false
	}
}

// Sweep ends the linger period, re-sends the cumulative ACK when the session
// refreshes ACKs, repeats an unanswered fetch and applies the idle timeout.
func (r *Receiver) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case ReceiverIdle:
		if r.fetchName == "" || now.Sub(r.fetchSent) < r.config.RetransmitTimeout {
			return
		}
		if r.fetchRetries >= r.config.MaxRetries {
			r.failLocked(ErrPeerUnresponsive, "fetch", nil)
			return
		}
		r.fetchRetries++
		r.stats.Retransmissions.Add(1)
		r.sendFetchLocked(now)
		return
	case ReceiverClosed, ReceiverFailed:
		return
	case ReceiverFinReceived:
		if now.Sub(r.finAt) >= r.config.LingerTimeout {
			r.setStateLocked(ReceiverClosed)
			return
		}
		if r.ackRefreshDueLocked(now) {
			r.sendAckLocked(FINFlag|ACKFlag, now)
		}
		return
	}

	if now.Sub(r.lastProgress) >= r.config.IdleTimeout {
		r.failLocked(ErrTimeout, "idle", nil)
		return
	}
	if r.ackRefreshDueLocked(now) {
		r.sendAckLocked(ACKFlag, now)
	}
}

func (r *Receiver) ackRefreshDueLocked(now time.Time) bool {
	return r.refreshAcks &&
		now.Sub(r.lastAckSent) >= r.config.RetransmitTimeout &&
		now.Sub(r.lastActivity) >= r.config.RetransmitTimeout
}

// Close releases the writer and ends the receiver.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeWriterLocked()
	if r.state != ReceiverClosed && r.state != ReceiverFailed {
		r.setStateLocked(ReceiverClosed)
	}
}
