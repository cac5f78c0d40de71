package lib

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats are the counters of one session. Counters only grow.
type Stats struct {
	BytesSent         atomic.Int64 // DATA payload bytes, first transmissions
	BytesReceived     atomic.Int64 // payload bytes delivered to the writer
	SegmentsSent      atomic.Int64 // every frame written, retransmissions included
	DataSegmentsSent  atomic.Int64 // DATA segments, first transmissions
	Retransmissions   atomic.Int64
	SegmentsReceived  atomic.Int64 // frames that passed checksum and security
	AcksSent          atomic.Int64
	AcksReceived      atomic.Int64 // pure ACKs that advanced the window over DATA
	DuplicatesDropped atomic.Int64
	ReplayDrops       atomic.Int64
	AuthFailures      atomic.Int64
	CorruptDrops      atomic.Int64
	MalformedDrops    atomic.Int64

	mu         sync.Mutex
	rttSamples []time.Duration
	start      time.Time
}

func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) AddRTTSample(rtt time.Duration) {
	s.mu.Lock()
	s.rttSamples = append(s.rttSamples, rtt)
	s.mu.Unlock()
}

// Report is the read-only snapshot handed out when a session ends.
type Report struct {
	Role              string
	FileName          string
	State             string
	Secure            bool
	HandshakeStatus   string
	LastAck           uint32
	BytesSent         int64
	BytesReceived     int64
	SegmentsSent      int64
	DataSegmentsSent  int64
	Retransmissions   int64
	SegmentsReceived  int64
	AcksSent          int64
	AcksReceived      int64
	DuplicatesDropped int64
	ReplayDrops       int64
	AuthFailures      int64
	CorruptDrops      int64
	MalformedDrops    int64
	Duration          time.Duration
	RTTSamples        []time.Duration
	Error             string
}

// Snapshot copies the counters into a Report.
func (s *Stats) Snapshot() *Report {
	s.mu.Lock()
	rtts := append([]time.Duration(nil), s.rttSamples...)
	s.mu.Unlock()

	return &Report{
		BytesSent:         s.BytesSent.Load(),
		BytesReceived:     s.BytesReceived.Load(),
		SegmentsSent:      s.SegmentsSent.Load(),
		DataSegmentsSent:  s.DataSegmentsSent.Load(),
		Retransmissions:   s.Retransmissions.Load(),
		SegmentsReceived:  s.SegmentsReceived.Load(),
		AcksSent:          s.AcksSent.Load(),
		AcksReceived:      s.AcksReceived.Load(),
		DuplicatesDropped: s.DuplicatesDropped.Load(),
		ReplayDrops:       s.ReplayDrops.Load(),
		AuthFailures:      s.AuthFailures.Load(),
		CorruptDrops:      s.CorruptDrops.Load(),
		MalformedDrops:    s.MalformedDrops.Load(),
		Duration:          time.Since(s.start),
		RTTSamples:        rtts,
	}
}

// AverageRTT is zero when no sample was taken.
func (r *Report) AverageRTT() time.Duration {
	if len(r.RTTSamples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, rtt := range r.RTTSamples {
		sum += rtt
	}
	return sum / time.Duration(len(r.RTTSamples))
}

// WriteTo renders the human-readable transfer report.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SRFT transfer report (%s)\n", r.Role)
	fmt.Fprintf(&b, "  file:                %s\n", r.FileName)
	fmt.Fprintf(&b, "  final state:         %s\n", r.State)
	fmt.Fprintf(&b, "  duration:            %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "  last ack:            %d\n", r.LastAck)
	fmt.Fprintf(&b, "  bytes sent:          %d\n", r.BytesSent)
	fmt.Fprintf(&b, "  bytes received:      %d\n", r.BytesReceived)
	fmt.Fprintf(&b, "  segments sent:       %d (%d DATA)\n", r.SegmentsSent, r.DataSegmentsSent)
	fmt.Fprintf(&b, "  retransmissions:     %d\n", r.Retransmissions)
	fmt.Fprintf(&b, "  segments received:   %d\n", r.SegmentsReceived)
	fmt.Fprintf(&b, "  acks sent/received:  %d/%d\n", r.AcksSent, r.AcksReceived)
	fmt.Fprintf(&b, "  duplicates dropped:  %d\n", r.DuplicatesDropped)
	fmt.Fprintf(&b, "  corrupt/malformed:   %d/%d\n", r.CorruptDrops, r.MalformedDrops)
	fmt.Fprintf(&b, "  replay drops:        %d\n", r.ReplayDrops)
	if len(r.RTTSamples) > 0 {
		fmt.Fprintf(&b, "  rtt samples:         %d (avg %s)\n", len(r.RTTSamples), r.AverageRTT())
	}
	if r.Secure {
		fmt.Fprintf(&b, "  handshake:           %s\n", r.HandshakeStatus)
		fmt.Fprintf(&b, "  auth failures:       %d\n", r.AuthFailures)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  error:               %s\n", r.Error)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
