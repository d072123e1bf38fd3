package core

// envelope.go – canonical serialization and HMAC authentication of the
// inter-component envelope.
//
// Wire layout (all integers big-endian):
//
//   version u16 | sender u8 | recipient u8 | correlation 16B |
//   reply_to_len u16 | reply_to | timestamp u64 | nonce 16B |
//   payload_len u32 | payload | signature 32B
//
// The signature is HMAC-SHA-256 over everything before it.  Verification
// uses a constant-time compare.

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	envelopeFixedLen = 2 + 1 + 1 + 16 + 2 + 8 + 16 + 4 + sha256.Size
	maxReplyToLen    = math.MaxUint16
	maxPayloadLen    = 16 << 20 // 16 MiB, far above any legitimate message
)

// NewEnvelope builds an unsigned envelope with a fresh correlation id and
// nonce.  Call Seal before publishing.
func NewEnvelope(sender, recipient SubsystemID, payload []byte, now time.Time) (*Envelope, error) {
	env := &Envelope{
		Version:     EnvelopeVersion,
		SenderID:    sender,
		RecipientID: recipient,
		Timestamp:   now.Unix(),
		Payload:     payload,
	}
	cid, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("correlation id: %w", err)
	}
	copy(env.CorrelationID[:], cid[:])
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return env, nil
}

// NewReply builds an unsigned response envelope bound to the request's
// correlation id.  Responses reuse the request correlation so receivers
// can match them to a pending entry; a fresh nonce is still drawn.
func NewReply(req *Envelope, sender SubsystemID, payload []byte, now time.Time) (*Envelope, error) {
	env := &Envelope{
		Version:       EnvelopeVersion,
		SenderID:      sender,
		RecipientID:   req.SenderID,
		CorrelationID: req.CorrelationID,
		Timestamp:     now.Unix(),
		Payload:       payload,
	}
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return env, nil
}

// signingBytes returns the canonical serialization minus the signature.
func (e *Envelope) signingBytes() []byte {
	buf := make([]byte, 0, envelopeFixedLen+len(e.ReplyTo)+len(e.Payload))
	var u16 [2]byte
	var u32 [4]byte
	var u64 [8]byte

	binary.BigEndian.PutUint16(u16[:], e.Version)
	buf = append(buf, u16[:]...)
	buf = append(buf, byte(e.SenderID), byte(e.RecipientID))
	buf = append(buf, e.CorrelationID[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(e.ReplyTo)))
	buf = append(buf, u16[:]...)
	buf = append(buf, e.ReplyTo...)
	binary.BigEndian.PutUint64(u64[:], uint64(e.Timestamp))
	buf = append(buf, u64[:]...)
	buf = append(buf, e.Nonce[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(e.Payload)))
	buf = append(buf, u32[:]...)
	buf = append(buf, e.Payload...)
	return buf
}

// Seal computes and stores the HMAC signature using the shared secret.
func (e *Envelope) Seal(secret []byte) error {
	if len(e.ReplyTo) > maxReplyToLen {
		return fmt.Errorf("reply_to too long: %d", len(e.ReplyTo))
	}
	if len(e.Payload) > maxPayloadLen {
		return fmt.Errorf("payload too long: %d", len(e.Payload))
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(e.signingBytes())
	copy(e.Signature[:], mac.Sum(nil))
	return nil
}

// VerifyHMAC recomputes the signature and compares in constant time.
func (e *Envelope) VerifyHMAC(secret []byte) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(e.signingBytes())
	if !hmac.Equal(mac.Sum(nil), e.Signature[:]) {
		return ErrInvalidSignature
	}
	return nil
}

// Encode emits the full canonical wire form including the signature.
func (e *Envelope) Encode() []byte {
	body := e.signingBytes()
	out := make([]byte, 0, len(body)+sha256.Size)
	out = append(out, body...)
	out = append(out, e.Signature[:]...)
	return out
}

// DecodeEnvelope parses the canonical wire form.  Length prefixes are
// validated against the remaining buffer before any copy.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	const minLen = envelopeFixedLen
	if len(raw) < minLen {
		return nil, fmt.Errorf("envelope truncated: %d bytes", len(raw))
	}
	e := &Envelope{}
	off := 0
	e.Version = binary.BigEndian.Uint16(raw[off:])
	off += 2
	e.SenderID = SubsystemID(raw[off])
	off++
	e.RecipientID = SubsystemID(raw[off])
	off++
	copy(e.CorrelationID[:], raw[off:off+16])
	off += 16
	replyLen := int(binary.BigEndian.Uint16(raw[off:]))
	off += 2
	if len(raw) < minLen+replyLen {
		return nil, fmt.Errorf("envelope truncated in reply_to")
	}
	e.ReplyTo = string(raw[off : off+replyLen])
	off += replyLen
	e.Timestamp = int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	copy(e.Nonce[:], raw[off:off+16])
	off += 16
	payloadLen := int(binary.BigEndian.Uint32(raw[off:]))
	off += 4
	if payloadLen > maxPayloadLen {
		return nil, fmt.Errorf("payload length %d exceeds cap", payloadLen)
	}
	if len(raw) != minLen+replyLen+payloadLen {
		return nil, fmt.Errorf("envelope length mismatch")
	}
	e.Payload = append([]byte(nil), raw[off:off+payloadLen]...)
	off += payloadLen
	copy(e.Signature[:], raw[off:off+sha256.Size])
	return e, nil
}
