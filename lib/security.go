package lib

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SegmentFilter sits between the Framer and the window engine. Seal runs on
// every outbound non-handshake segment before serialization, Open on every
// inbound one after the checksum passed. Accept records an opened segment
// once the window engine has taken it.
type SegmentFilter interface {
	Seal(seg *Segment) error
	Open(seg *Segment) error
	Accept(seg *Segment)
	Close()
}

// plainFilter is the filter of a session without a pre-shared key.
type plainFilter struct{}

func (plainFilter) Seal(*Segment) error { return nil }
func (plainFilter) Open(*Segment) error { return nil }
func (plainFilter) Accept(*Segment)     {}
func (plainFilter) Close()              {}

const (
	roleInitiator uint32 = 1
	roleResponder uint32 = 2

	nonceSize    = 16
	keySize      = chacha20poly1305.KeySize
	keyInfoLabel = "srft session keys"
	aadSize      = 13
)

// SecureSession is the security layer of one transfer: handshake state,
// the derived keys and the replay window over the peer's sequence numbers.
type SecureSession struct {
	mu         sync.Mutex
	role       uint32
	psk        []byte
	phase      int
	sessionID  uint32
	initNonce  [nonceSize]byte
	respNonce  [nonceSize]byte
	hello      []byte // initiator: Hello payload, reused on retransmission
	helloReply []byte // responder: reply payload, re-sent for a retransmitted Hello
	encKey     []byte
	macKey     []byte
	aead       cipher.AEAD
	replay     ReplayWindow
	random     io.Reader
}

// NewSecureSession creates the security layer for one side of a transfer.
// The key is copied and zeroed again by Close.
func NewSecureSession(psk []byte, initiator bool) (*SecureSession, error) {
	if len(psk) < minPSKLength {
		return nil, fmt.Errorf("pre-shared key must be at least %d bytes", minPSKLength)
	}
	role := roleResponder
	if initiator {
		role = roleInitiator
	}
	return &SecureSession{
		role:   role,
		psk:    append([]byte(nil), psk...),
		phase:  HandshakeInit,
		random: cryptoRandom,
	}, nil
}

func (s *SecureSession) Phase() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *SecureSession) SessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// deriveKeys expands the pre-shared key, salted with both nonces, into the
// encryption key and the MAC key. Caller holds s.mu.
func (s *SecureSession) deriveKeys() error {
	salt := make([]byte, 0, 2*nonceSize)
	salt = append(salt, s.initNonce[:]...)
	salt = append(salt, s.respNonce[:]...)
	info := binary.BigEndian.AppendUint32([]byte(keyInfoLabel), s.sessionID)

	kdf := hkdf.New(sha256.New, s.psk, salt, info)
	keys := make([]byte, 2*keySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return fmt.Errorf("derive session keys: %w", err)
	}
	s.encKey, s.macKey = keys[:keySize], keys[keySize:]
	s.phase = HandshakeKeyDerived

	aead, err := chacha20poly1305.New(s.encKey)
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}
	s.aead = aead
	s.phase = HandshakeEstablished
	return nil
}

// nonce is unique per key: the sending direction plus the sequence number.
func segmentNonce(direction, seq uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[0:4], direction)
	binary.BigEndian.PutUint32(nonce[8:12], seq)
	return nonce
}

func segmentAAD(sessionID uint32, seg *Segment) []byte {
	aad := make([]byte, aadSize)
	binary.BigEndian.PutUint32(aad[0:4], sessionID)
	binary.BigEndian.PutUint32(aad[4:8], seg.SequenceNumber)
	binary.BigEndian.PutUint32(aad[8:12], seg.AcknowledgmentNum)
	aad[12] = seg.Flags
	return aad
}

func (s *SecureSession) peerRole() uint32 {
	if s.role == roleInitiator {
		return roleResponder
	}
	return roleInitiator
}

// Seal replaces the payload with its AEAD ciphertext. The header fields are
// bound as additional data, so they must be final before Seal.
func (s *SecureSession) Seal(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != HandshakeEstablished || s.aead == nil {
		return ErrHandshakeIncomplete
	}
	nonce := segmentNonce(s.role, seg.SequenceNumber)
	seg.Payload = s.aead.Seal(nil, nonce, seg.Payload, segmentAAD(s.sessionID, seg))
	return nil
}

// Open rejects replayed sequence numbers, then authenticates and decrypts
// the payload. It does not record the sequence number: a segment the window
// engine drops must stay acceptable when it is retransmitted.
func (s *SecureSession) Open(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != HandshakeEstablished || s.aead == nil {
		return ErrHandshakeIncomplete
	}
	if err := s.replay.Check(seg.SequenceNumber); err != nil {
		return err
	}
	nonce := segmentNonce(s.peerRole(), seg.SequenceNumber)
	plain, err := s.aead.Open(nil, nonce, seg.Payload, segmentAAD(s.sessionID, seg))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	seg.Payload = plain
	return nil
}

// Accept marks seg's sequence number as used. Call it only for a segment
// Open succeeded on.
func (s *SecureSession) Accept(seg *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead == nil {
		return
	}
	s.replay.Accept(seg.SequenceNumber)
}

// Close discards the session keys. The phase is kept for reporting but the
// session cannot seal or open afterwards.
func (s *SecureSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.encKey)
	clear(s.macKey)
	clear(s.psk)
	s.encKey, s.macKey, s.aead = nil, nil, nil
	s.replay.Reset()
}
