package lib

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Session runs one file transfer over a FrameTransport. The initiator opens
// the security handshake when a pre-shared key is configured. In a push
// (SendFile, ReceiveFile) the sender initiates; in a pull (FetchFile,
// ServeFile) the receiver initiates and names the file. A Session is used
// for exactly one transfer.
type Session struct {
	config    *SrftCoreConfig
	log       *zap.Logger
	transport FrameTransport
	framer    *Framer
	guard     SegmentFilter
	secure    *SecureSession // nil for a plain session
	stats     *Stats
	pool      *framePool

	used      atomic.Bool
	role      string
	initiator bool
	fileName  string
	sender    *Sender
	receiver  *Receiver

	handshakeOnce sync.Once
	handshakeDone chan struct{}
	handshakeErr  error

	closeOnce   sync.Once
	closeSignal chan struct{}  // used to send close signal to go routines to stop
	wg          sync.WaitGroup // WaitGroup to synchronize goroutines
}

// NewSession prepares a session bound to local. remote may leave the address
// or port unset; the receiving side then learns them from the first valid
// segment. The session owns transport and closes it.
func NewSession(config *SrftCoreConfig, transport FrameTransport, local, remote Endpoint, logger *zap.Logger) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("session: nil transport")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PacketLostSimulation {
		transport = NewLossyTransport(transport, time.Now().UnixNano(), logger)
		logger.Info("packet loss simulation enabled")
	}
	return &Session{
		config:        config,
		log:           logger,
		transport:     transport,
		framer:        NewFramer(local, remote, config.wirePayloadLimit()),
		guard:         plainFilter{},
		stats:         NewStats(),
		pool:          newFramePool(config.WindowSize+2, FrameOverhead+config.wirePayloadLimit(), config.PoolDebug),
		handshakeDone: make(chan struct{}),
		closeSignal:   make(chan struct{}),
	}, nil
}

// Stats exposes the live counters.
func (s *Session) Stats() *Stats {
	return s.stats
}

// encode implements segmentLink. Handshake segments travel in the clear.
func (s *Session) encode(seg *Segment) ([]byte, error) {
	if seg.Flags&SYNFlag == 0 {
		if err := s.guard.Seal(seg); err != nil {
			return nil, err
		}
	}
	return s.framer.Frame(seg)
}

func (s *Session) send(frame []byte) error {
	return s.transport.Send(frame)
}

func (s *Session) begin(role string, initiator bool) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrSessionClosed
	}
	s.role = role
	s.initiator = initiator
	s.log = s.log.With(zap.String("role", role))
	if s.config.Secure() {
		secure, err := NewSecureSession(s.config.PSK, initiator)
		if err != nil {
			return err
		}
		s.secure = secure
		s.guard = secure
	}
	return nil
}

func (s *Session) start() {
	s.wg.Add(2)
	go s.handleIncomingPackets()
	go s.handleSweep()
	s.log.Info("session started",
		zap.Stringer("remote", s.framer.Remote()),
		zap.Bool("secure", s.secure != nil))
}

// SendFile transfers the chunks of one file to the peer as fileName and
// returns the final report. On failure the report is partial and the error
// is a *TransferError.
func (s *Session) SendFile(ctx context.Context, fileName string, chunks ChunkReader) (*Report, error) {
	if err := s.begin(RoleSender, true); err != nil {
		return nil, err
	}
	isn, err := GenerateISN()
	if err != nil {
		return nil, err
	}
	s.fileName = fileName
	s.sender = newSender(s.config, s, s.pool, s.stats, s.log, isn)
	s.start()

	err = s.transfer(ctx, fileName, chunks)
	report := s.report(err)
	s.Close()
	return report, err
}

func (s *Session) transfer(ctx context.Context, fileName string, chunks ChunkReader) error {
	if s.secure != nil {
		if err := s.handshake(ctx); err != nil {
			return err
		}
	}
	return s.push(ctx, fileName, chunks)
}

func (s *Session) push(ctx context.Context, fileName string, chunks ChunkReader) error {
	if err := s.sender.Open(ctx, fileName); err != nil {
		return err
	}
	for {
		chunk, err := chunks.NextChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.sender.Fail(ErrIO, "read "+fileName, err)
		}
		if err := s.sender.Push(ctx, chunk); err != nil {
			return err
		}
	}
	return s.sender.Finish(ctx)
}

// handshake sends the Hello and retransmits it every retransmission timeout
// until the reply arrives.
func (s *Session) handshake(ctx context.Context) error {
	hello, err := s.secure.Hello()
	if err != nil {
		return s.failActive(ErrIO, "handshake", err)
	}
	frame, err := s.encode(&Segment{Flags: SYNFlag, Payload: hello})
	if err != nil {
		return s.failActive(ErrIO, "handshake", err)
	}

	timer := time.NewTimer(s.config.RetransmitTimeout)
	defer timer.Stop()
	for retries := 0; ; retries++ {
		if err := s.send(frame); err != nil {
			return s.failActive(ErrIO, "send hello", err)
		}
		s.stats.SegmentsSent.Add(1)
		if retries > 0 {
			s.stats.Retransmissions.Add(1)
		}

		select {
		case <-s.handshakeDone:
			if s.handshakeErr != nil {
				return s.failActive(ErrAuthenticationFailed, "handshake", s.handshakeErr)
			}
			s.log.Info("handshake established", zap.Uint32("session", s.secure.SessionID()))
			return nil
		case <-ctx.Done():
			return s.failActive(ErrTimeout, "handshake", ctx.Err())
		case <-timer.C:
			if retries >= s.config.MaxRetries {
				return s.failActive(ErrPeerUnresponsive, "handshake", nil)
			}
			timer.Reset(s.config.RetransmitTimeout)
		}
	}
}

func (s *Session) finishHandshake(err error) {
	s.handshakeOnce.Do(func() {
		s.handshakeErr = err
		close(s.handshakeDone)
	})
}

// ReceiveFile waits for one transfer request, writes the file through open
// and returns the final report once the linger period after FIN has passed.
// ctx bounds the whole transfer.
func (s *Session) ReceiveFile(ctx context.Context, open WriterFactory) (*Report, error) {
	if err := s.begin(RoleReceiver, false); err != nil {
		return nil, err
	}
	ackISN, err := GenerateISN()
	if err != nil {
		return nil, err
	}
	s.receiver = newReceiver(s.config, s, s.stats, s.log, open, ackISN, s.secure != nil)
	s.start()

	err = s.awaitReceiver(ctx)
	report := s.report(err)
	s.Close()
	return report, err
}

func (s *Session) awaitReceiver(ctx context.Context) error {
	select {
	case <-s.receiver.finished:
	case <-s.receiver.closed:
		return s.receiver.Err()
	case <-ctx.Done():
		return s.receiver.Fail(ErrTimeout, "receive", ctx.Err())
	}
	s.log.Info("file received", zap.String("file", s.receiver.FileName()), zap.Int64("bytes", s.stats.BytesReceived.Load()))

	select {
	case <-s.receiver.closed:
	case <-ctx.Done():
	}
	return s.receiver.Err()
}

// ServeFile waits for one pull request, opens the named file through open
// and sends it like SendFile. ctx bounds the wait and the transfer.
func (s *Session) ServeFile(ctx context.Context, open ReaderFactory) (*Report, error) {
	if err := s.begin(RoleSender, false); err != nil {
		return nil, err
	}
	isn, err := GenerateISN()
	if err != nil {
		return nil, err
	}
	s.sender = newSender(s.config, s, s.pool, s.stats, s.log, isn)
	s.start()

	err = s.serve(ctx, open)
	report := s.report(err)
	s.Close()
	return report, err
}

func (s *Session) serve(ctx context.Context, open ReaderFactory) error {
	requested, err := s.sender.AwaitRequest(ctx)
	if err != nil {
		return err
	}
	name, err := SanitizeFileName(requested)
	if err != nil {
		return s.sender.Fail(ErrMalformed, "request", err)
	}
	s.fileName = name
	file, err := open(name)
	if err != nil {
		return s.sender.Fail(ErrIO, "open "+name, err)
	}
	defer file.Close()
	return s.push(ctx, name, NewChunkReader(file, s.config.MaxPayloadSize))
}

// FetchFile asks the peer for name, writes the file it sends through open
// and returns the final report once the linger period after FIN has passed.
func (s *Session) FetchFile(ctx context.Context, name string, open WriterFactory) (*Report, error) {
	if err := s.begin(RoleReceiver, true); err != nil {
		return nil, err
	}
	ackISN, err := GenerateISN()
	if err != nil {
		return nil, err
	}
	s.receiver = newReceiver(s.config, s, s.stats, s.log, open, ackISN, s.secure != nil)
	s.start()

	err = s.fetch(ctx, name)
	report := s.report(err)
	s.Close()
	return report, err
}

func (s *Session) fetch(ctx context.Context, name string) error {
	if s.secure != nil {
		if err := s.handshake(ctx); err != nil {
			return err
		}
	}
	if err := s.receiver.Fetch(name, time.Now()); err != nil {
		return err
	}
	return s.awaitReceiver(ctx)
}

// handleIncomingPackets reads frames until the session closes.
func (s *Session) handleIncomingPackets() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeSignal:
			return
		default:
			src, datagram, err := s.transport.Receive()
			if err != nil {
				if isPollTimeout(err) {
					continue
				}
				s.log.Error("transport receive failed", zap.Error(err))
				s.failActive(ErrIO, "receive", err)
				return
			}
			s.processDatagram(src, datagram, time.Now())
		}
	}
}

func (s *Session) processDatagram(src netip.Addr, datagram []byte, now time.Time) {
	seg, srcPort, err := s.framer.Unframe(datagram)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			s.stats.CorruptDrops.Add(1)
		} else {
			s.stats.MalformedDrops.Add(1)
		}
		s.log.Debug("dropped datagram", zap.Error(err))
		return
	}
	peer := Endpoint{Addr: src, Port: srcPort}
	if !s.framer.Matches(peer) {
		s.log.Debug("segment from unexpected peer", zap.Stringer("peer", peer))
		return
	}

	if seg.Has(SYNFlag) {
		s.handleHandshakeSegment(seg, peer)
		return
	}

	if err := s.guard.Open(seg); err != nil {
		switch {
		case errors.Is(err, ErrReplayDetected):
			s.stats.ReplayDrops.Add(1)
		case errors.Is(err, ErrAuthenticationFailed):
			s.stats.AuthFailures.Add(1)
		}
		s.log.Debug("dropped segment", zap.Stringer("segment", seg), zap.Error(err))
		return
	}
	// the peer is pinned only by a segment that passed the filter
	if !s.framer.Learn(peer) {
		return
	}
	s.stats.SegmentsReceived.Add(1)

	taken := true
	switch {
	case s.sender != nil:
		switch {
		case seg.Has(GETFlag):
			taken = s.sender.HandleRequest(seg)
		case seg.Has(ACKFlag):
			s.sender.HandleAck(seg, now)
		}
	case s.receiver != nil:
		taken = s.receiver.HandleSegment(seg, now)
	}
	if taken {
		s.guard.Accept(seg)
	}
}

func (s *Session) handleHandshakeSegment(seg *Segment, peer Endpoint) {
	if s.secure == nil {
		s.log.Debug("handshake segment on a plain session")
		return
	}
	s.stats.SegmentsReceived.Add(1)

	if s.initiator {
		if !seg.Has(ACKFlag) {
			return
		}
		err := s.secure.HandleReply(seg.Payload)
		switch {
		case err == nil:
			s.finishHandshake(nil)
		case errors.Is(err, ErrAuthenticationFailed):
			s.stats.AuthFailures.Add(1)
			s.finishHandshake(err)
		default:
			s.stats.MalformedDrops.Add(1)
			s.log.Debug("dropped hello reply", zap.Error(err))
		}
		return
	}

	reply, err := s.secure.HandleHello(seg.Payload)
	if err == nil && !s.framer.Learn(peer) {
		return
	}
	if reply != nil {
		// answered at its source; only a verified Hello pins the peer
		frame, ferr := s.framer.FrameTo(&Segment{Flags: SYNFlag | ACKFlag, Payload: reply}, peer)
		if ferr == nil {
			ferr = s.send(frame)
		}
		if ferr != nil {
			s.failActive(ErrIO, "send hello reply", ferr)
			return
		}
		s.stats.SegmentsSent.Add(1)
	}
	switch {
	case err == nil:
		s.log.Info("handshake established", zap.Uint32("session", s.secure.SessionID()))
	case errors.Is(err, ErrAuthenticationFailed):
		s.stats.AuthFailures.Add(1)
		s.failActive(ErrAuthenticationFailed, "handshake", nil)
	default:
		s.stats.MalformedDrops.Add(1)
		s.log.Debug("dropped hello", zap.Error(err))
	}
}

// handleSweep drives the retransmission timer, idle timeouts and linger.
func (s *Session) handleSweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.closeSignal:
			return
		case now := <-ticker.C:
			if s.sender != nil {
				s.sender.Sweep(now)
			}
			if s.receiver != nil {
				s.receiver.Sweep(now)
			}
		}
	}
}

func (s *Session) failActive(kind error, op string, cause error) error {
	switch {
	case s.sender != nil:
		return s.sender.Fail(kind, op, cause)
	case s.receiver != nil:
		return s.receiver.Fail(kind, op, cause)
	}
	return newTransferError(kind, op, cause)
}

func (s *Session) report(err error) *Report {
	r := s.stats.Snapshot()
	r.Role = s.role
	r.Secure = s.secure != nil
	r.HandshakeStatus = "disabled"
	if s.secure != nil {
		r.HandshakeStatus = StateName("handshake", s.secure.Phase())
	}
	switch {
	case s.sender != nil:
		r.FileName = s.fileName
		r.State = StateName("sender", s.sender.State())
		r.LastAck, _ = s.sender.Progress()
	case s.receiver != nil:
		r.FileName = s.receiver.FileName()
		r.State = StateName("receiver", s.receiver.State())
		r.LastAck = s.receiver.Expected()
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Close stops the session goroutines, discards the keys and closes the
// transport. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeSignal)
		s.wg.Wait()
		if s.sender != nil {
			s.sender.Close()
		}
		if s.receiver != nil {
			s.receiver.Close()
		}
		s.guard.Close()
		err = s.transport.Close()
		s.log.Info("session closed")
	})
	return err
}
