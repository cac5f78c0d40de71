package lib

// Sender states
const (
	SenderIdle        = iota // nothing sent yet
	SenderRequestSent        // REQ in flight
	SenderTransferring
	SenderFinSent
	SenderClosed
	SenderFailed
)

// Receiver states
const (
	ReceiverIdle            = iota // waiting for REQ
	ReceiverRequestReceived        // REQ acknowledged, no DATA yet
	ReceiverReceiving
	ReceiverFinReceived // lingering after FIN
	ReceiverClosed
	ReceiverFailed
)

// Handshake phases
const (
	HandshakeInit          = iota
	HandshakeHelloSent     // initiator
	HandshakeHelloReceived // responder
	HandshakeKeyDerived
	HandshakeEstablished
	HandshakeFailed
)

// Flag constants
const (
	DATAFlag uint8 = 1 << 0
	ACKFlag  uint8 = 1 << 1
	FINFlag  uint8 = 1 << 2
	REQFlag  uint8 = 1 << 3
	SYNFlag  uint8 = 1 << 4
	GETFlag  uint8 = 1 << 5 // pull request: the peer names the file it wants sent
)

const (
	IpHeaderLength   = 20
	UdpHeaderLength  = 8
	SrftHeaderLength = 11 // seq[4] ack[4] flags[1] checksum[2]
	FrameOverhead    = IpHeaderLength + UdpHeaderLength + SrftHeaderLength

	srftChecksumOffset = 9
	ipChecksumOffset   = 10

	MaxIPv4Datagram = 65535
	DefaultTTL      = 64
	ProtocolUDP     = 17
)

var stateNames = map[string][]string{
	"sender":    {"IDLE", "REQUEST_SENT", "TRANSFERRING", "FIN_SENT", "CLOSED", "FAILED"},
	"receiver":  {"IDLE", "REQUEST_RECEIVED", "RECEIVING", "FIN_RECEIVED", "CLOSED", "FAILED"},
	"handshake": {"INIT", "HELLO_SENT", "HELLO_RECEIVED", "KEY_DERIVED", "ESTABLISHED", "FAILED"},
}

// StateName returns the printable name of a sender, receiver or handshake state.
func StateName(machine string, state int) string {
	names, ok := stateNames[machine]
	if !ok || state < 0 || state >= len(names) {
		return "UNKNOWN"
	}
	return names[state]
}
