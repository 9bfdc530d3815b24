// File: protocol/framer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cryptographic wire framing. Every datagram starts with a 20-byte
// keyed digest and a 16-byte random salt. Per packet, 48 bytes of
// keying material are derived from (private key, salt): 16 bytes IV,
// 16 bytes cipher key, 16 bytes MAC key. Everything after the security
// header is XORed with a ChaCha20 stream keyed from the cipher key and
// IV; the digest is an HMAC-SHA-1 over everything after itself.

package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// DigestSize is the keyed-hash width at the front of every packet.
	DigestSize = 20
	// SaltSize is the per-packet random salt width.
	SaltSize = 16
	// SecuritySize is the combined security header width.
	SecuritySize = DigestSize + SaltSize

	keyMaterial = 48
)

// ErrAuthFailed reports a packet whose digest did not verify.
var ErrAuthFailed = errors.New("protocol: invalid message digest")

var hkdfInfo = []byte("totemring packet keys")

// Framer seals outbound datagrams and opens inbound ones. A Framer is
// not safe for concurrent use; the multicast worker pool obtains
// independent instances from a FramerPool.
type Framer struct {
	privateKey []byte
	salt       saltStream
	scratch    []byte
}

// NewFramer builds a framer around a shared private key.
func NewFramer(privateKey []byte) (*Framer, error) {
	f := &Framer{
		privateKey: append([]byte(nil), privateKey...),
		scratch:    make([]byte, 0, PacketSizeMax),
	}
	if err := f.salt.seed(); err != nil {
		return nil, err
	}
	return f, nil
}

// saltStream is a private ChaCha20-based generator for packet salts,
// seeded once from the system entropy pool. Each worker owns its own
// stream so sealing never contends.
type saltStream struct {
	cipher *chacha20.Cipher
	zero   [SaltSize]byte
}

func (s *saltStream) seed() error {
	var key [chacha20.KeySize]byte
	var nonce [chacha20.NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return err
	}
	s.cipher = c
	return nil
}

func (s *saltStream) fill(dst []byte) {
	s.cipher.XORKeyStream(dst, s.zero[:len(dst)])
}

// deriveKeys expands (private key, salt) into IV, cipher key and MAC key.
func deriveKeys(privateKey, salt []byte) (iv, cipherKey, macKey []byte) {
	keys := make([]byte, keyMaterial)
	kdf := hkdf.New(sha256.New, privateKey, salt, hkdfInfo)
	// HKDF output is bounded far above 48 bytes; a short read here is
	// impossible with a sane hash.
	io.ReadFull(kdf, keys)
	return keys[0:16], keys[16:32], keys[32:48]
}

// stream builds the packet body cipher from the derived cipher key and IV.
func stream(cipherKey, iv []byte) *chacha20.Cipher {
	seed := sha256.Sum256(append(append(make([]byte, 0, 32), cipherKey...), iv...))
	c, _ := chacha20.NewUnauthenticatedCipher(seed[:], iv[:chacha20.NonceSize])
	return c
}

func sign(macKey, pkt []byte) []byte {
	mac := hmac.New(sha1.New, macKey)
	mac.Write(pkt[DigestSize:])
	return mac.Sum(nil)
}

// Seal concatenates the iovecs after a fresh security header, encrypts
// the body and writes the digest. The returned slice aliases the
// framer's scratch buffer and is valid until the next Seal.
func (f *Framer) Seal(iovs ...[]byte) []byte {
	buf := f.scratch[:SecuritySize]
	for i := range buf {
		buf[i] = 0
	}
	f.salt.fill(buf[DigestSize:SecuritySize])
	for _, iov := range iovs {
		buf = append(buf, iov...)
	}

	iv, cipherKey, macKey := deriveKeys(f.privateKey, buf[DigestSize:SecuritySize])
	stream(cipherKey, iv).XORKeyStream(buf[SecuritySize:], buf[SecuritySize:])
	copy(buf[:DigestSize], sign(macKey, buf))
	f.scratch = buf[:0]
	return buf
}

// Open authenticates pkt in constant time and decrypts it in place.
// The returned slice aliases pkt and starts at the message header.
func (f *Framer) Open(pkt []byte) ([]byte, error) {
	if len(pkt) < SecuritySize+HeaderSize {
		return nil, ErrTruncated
	}
	iv, cipherKey, macKey := deriveKeys(f.privateKey, pkt[DigestSize:SecuritySize])
	if !hmac.Equal(sign(macKey, pkt), pkt[:DigestSize]) {
		return nil, ErrAuthFailed
	}
	body := pkt[SecuritySize:]
	stream(cipherKey, iv).XORKeyStream(body, body)
	return body, nil
}

// FramerPool hands out framers over one shared private key. Sealing
// state (salt stream, scratch buffer) is private per framer; the key
// is immutable after construction.
type FramerPool struct {
	privateKey []byte
}

// NewFramerPool builds the pool.
func NewFramerPool(privateKey []byte) *FramerPool {
	return &FramerPool{privateKey: append([]byte(nil), privateKey...)}
}

// Get builds an independent framer for one worker.
func (p *FramerPool) Get() (*Framer, error) { return NewFramer(p.privateKey) }
