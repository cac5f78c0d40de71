package lib

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

var cryptoRandom io.Reader = rand.Reader

const (
	helloVersion      = 1
	macSize           = sha256.Size
	initHelloLength   = 1 + 4 + nonceSize + macSize
	replyHelloLength  = 4 + nonceSize + macSize
	initiatorMACLabel = "srft hello initiator"
	responderMACLabel = "srft hello responder"
)

func helloMAC(psk []byte, label string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write([]byte(label))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// Hello returns the initiator's Hello payload:
// version | session id | nonce | HMAC(psk, label | session id | nonce).
// Later calls return the same payload for retransmission.
func (s *SecureSession) Hello() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != roleInitiator {
		return nil, fmt.Errorf("hello: responder does not open the handshake")
	}
	if s.hello != nil {
		return s.hello, nil
	}
	if s.phase != HandshakeInit {
		return nil, fmt.Errorf("hello: handshake already in phase %s", StateName("handshake", s.phase))
	}

	var sid [4]byte
	if _, err := io.ReadFull(s.random, sid[:]); err != nil {
		return nil, fmt.Errorf("hello: session id: %w", err)
	}
	if _, err := io.ReadFull(s.random, s.initNonce[:]); err != nil {
		return nil, fmt.Errorf("hello: nonce: %w", err)
	}
	s.sessionID = binary.BigEndian.Uint32(sid[:])

	hello := make([]byte, 0, initHelloLength)
	hello = append(hello, helloVersion)
	hello = append(hello, sid[:]...)
	hello = append(hello, s.initNonce[:]...)
	hello = append(hello, helloMAC(s.psk, initiatorMACLabel, sid[:], s.initNonce[:])...)
	s.hello = hello
	s.phase = HandshakeHelloSent
	return hello, nil
}

// HandleHello processes an initiator Hello on the responder. It always
// returns a reply so a peer with the wrong key fails fast; a Hello whose
// HMAC does not verify also returns ErrAuthenticationFailed and fails the
// session. A retransmitted copy of the accepted Hello gets the cached reply.
func (s *SecureSession) HandleHello(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != roleResponder {
		return nil, fmt.Errorf("hello: initiator received a Hello")
	}
	if len(payload) != initHelloLength || payload[0] != helloVersion {
		return nil, fmt.Errorf("%w: hello of %d bytes", ErrMalformed, len(payload))
	}
	sid := payload[1:5]
	nonce := payload[5 : 5+nonceSize]
	mac := payload[5+nonceSize:]

	if s.helloReply != nil {
		if binary.BigEndian.Uint32(sid) == s.sessionID && hmac.Equal(nonce, s.initNonce[:]) {
			return s.helloReply, nil
		}
		return nil, fmt.Errorf("hello: session %d already bound", s.sessionID)
	}

	s.sessionID = binary.BigEndian.Uint32(sid)
	copy(s.initNonce[:], nonce)
	s.phase = HandshakeHelloReceived
	if _, err := io.ReadFull(s.random, s.respNonce[:]); err != nil {
		return nil, fmt.Errorf("hello: nonce: %w", err)
	}

	reply := make([]byte, 0, replyHelloLength)
	reply = append(reply, sid...)
	reply = append(reply, s.respNonce[:]...)
	reply = append(reply, helloMAC(s.psk, responderMACLabel, sid, s.initNonce[:], s.respNonce[:])...)
	s.helloReply = reply

	if !hmac.Equal(mac, helloMAC(s.psk, initiatorMACLabel, sid, nonce)) {
		s.phase = HandshakeFailed
		return reply, ErrAuthenticationFailed
	}
	if err := s.deriveKeys(); err != nil {
		s.phase = HandshakeFailed
		return nil, err
	}
	return reply, nil
}

// HandleReply verifies the responder's reply on the initiator and derives
// the session keys.
func (s *SecureSession) HandleReply(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != roleInitiator {
		return fmt.Errorf("hello: responder received a Hello reply")
	}
	if s.phase == HandshakeEstablished {
		return nil // duplicate reply
	}
	if s.phase != HandshakeHelloSent {
		return fmt.Errorf("hello: unexpected reply in phase %s", StateName("handshake", s.phase))
	}
	if len(payload) != replyHelloLength {
		return fmt.Errorf("%w: hello reply of %d bytes", ErrMalformed, len(payload))
	}
	sid := payload[0:4]
	nonce := payload[4 : 4+nonceSize]
	mac := payload[4+nonceSize:]
	if binary.BigEndian.Uint32(sid) != s.sessionID {
		return fmt.Errorf("%w: reply for session %d", ErrMalformed, binary.BigEndian.Uint32(sid))
	}

	if !hmac.Equal(mac, helloMAC(s.psk, responderMACLabel, sid, s.initNonce[:], nonce)) {
		s.phase = HandshakeFailed
		return ErrAuthenticationFailed
	}
	copy(s.respNonce[:], nonce)
	if err := s.deriveKeys(); err != nil {
		s.phase = HandshakeFailed
		return err
	}
	return nil
}
