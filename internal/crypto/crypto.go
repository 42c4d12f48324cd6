// Package crypto implements the client-side encryption envelope applied to
// file content before upload. The format is versioned so the envelope can
// evolve without breaking previously uploaded blobs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// envelopeMagic identifies encrypted blobs on the remote store.
	envelopeMagic = "CRSE"

	envelopeVersion       = byte(1)
	envelopeVersionStream = byte(2)

	keySize   = 32
	nonceSize = 12

	headerSize = len(envelopeMagic) + 1 + nonceSize

	// streamed envelopes carry the nonce per segment, not in the header
	streamHeaderSize = len(envelopeMagic) + 1

	// segmentSize is the plaintext span sealed per stream segment. Each
	// segment is framed as: ciphertext length (uint32 BE) | nonce |
	// ciphertext+tag, with the segment index bound into the AAD so frames
	// cannot be reordered.
	segmentSize = 1 << 20

	segmentFrameOverhead = 4 + nonceSize
)

var (
	ErrNotEncrypted  = errors.New("crypto: payload is not an encryption envelope")
	ErrBadKey        = errors.New("crypto: key must be 32 bytes")
	ErrDecryptFailed = errors.New("crypto: decryption failed")
	ErrBadVersion    = errors.New("crypto: unsupported envelope version")
	ErrEmptyEnvelope = errors.New("crypto: envelope shorter than header")
	ErrEmptyPassword = errors.New("crypto: empty passphrase")
)

var hkdfInfo = []byte("cirrus-content-key-v1")

// Box seals and opens content envelopes with a fixed 256-bit key.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewBoxFromPassphrase derives the content key from a passphrase and a
// per-account salt using HKDF-SHA256. The salt keeps identical passphrases
// on different accounts from producing identical keys.
func NewBoxFromPassphrase(passphrase, salt string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassword
	}
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return NewBox(key)
}

// Seal encrypts plaintext into a self-describing envelope:
//
//	magic (4) | version (1) | nonce (12) | ciphertext+tag
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(plaintext)+b.aead.Overhead())
	out = append(out, envelopeMagic...)
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	return b.aead.Seal(out, nonce, plaintext, []byte{envelopeVersion}), nil
}

// Open decrypts an envelope produced by Seal.
func (b *Box) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < headerSize {
		if !IsEnvelope(envelope) {
			return nil, ErrNotEncrypted
		}
		return nil, ErrEmptyEnvelope
	}
	if !IsEnvelope(envelope) {
		return nil, ErrNotEncrypted
	}

	version := envelope[len(envelopeMagic)]
	if version != envelopeVersion {
		return nil, ErrBadVersion
	}

	nonce := envelope[len(envelopeMagic)+1 : headerSize]
	plaintext, err := b.aead.Open(nil, nonce, envelope[headerSize:], []byte{version})
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SealedSize returns the envelope size for a plaintext of the given length.
func (b *Box) SealedSize(plaintextLen int64) int64 {
	return int64(headerSize) + plaintextLen + int64(b.aead.Overhead())
}

// SealStream encrypts src into dst as a segmented envelope, holding at most
// one segment of plaintext in memory. Returns the number of envelope bytes
// written.
func (b *Box) SealStream(dst io.Writer, src io.Reader) (int64, error) {
	var written int64

	header := make([]byte, 0, streamHeaderSize)
	header = append(header, envelopeMagic...)
	header = append(header, envelopeVersionStream)
	n, err := dst.Write(header)
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("crypto: write header: %w", err)
	}

	buf := make([]byte, segmentSize)
	var frame [4]byte
	for seg := uint64(0); ; seg++ {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			nonce := make([]byte, nonceSize)
			if _, err := rand.Read(nonce); err != nil {
				return written, fmt.Errorf("crypto: nonce: %w", err)
			}
			ct := b.aead.Seal(nil, nonce, buf[:n], segmentAAD(seg))
			binary.BigEndian.PutUint32(frame[:], uint32(len(ct)))
			for _, part := range [][]byte{frame[:], nonce, ct} {
				wn, werr := dst.Write(part)
				written += int64(wn)
				if werr != nil {
					return written, fmt.Errorf("crypto: write segment: %w", werr)
				}
			}
		}
		switch rerr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return written, nil
		default:
			return written, fmt.Errorf("crypto: read plaintext: %w", rerr)
		}
	}
}

// OpenStream decrypts a segmented envelope from src into dst.
func (b *Box) OpenStream(dst io.Writer, src io.Reader) error {
	header := make([]byte, streamHeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrEmptyEnvelope
		}
		return fmt.Errorf("crypto: read header: %w", err)
	}
	if !IsEnvelope(header) {
		return ErrNotEncrypted
	}
	if header[len(envelopeMagic)] != envelopeVersionStream {
		return ErrBadVersion
	}

	var frame [4]byte
	nonce := make([]byte, nonceSize)
	maxCiphertext := segmentSize + b.aead.Overhead()
	for seg := uint64(0); ; seg++ {
		if _, err := io.ReadFull(src, frame[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("crypto: read segment frame: %w", err)
		}
		ctLen := int(binary.BigEndian.Uint32(frame[:]))
		if ctLen == 0 || ctLen > maxCiphertext {
			return ErrDecryptFailed
		}
		if _, err := io.ReadFull(src, nonce); err != nil {
			return fmt.Errorf("crypto: read segment nonce: %w", err)
		}
		ct := make([]byte, ctLen)
		if _, err := io.ReadFull(src, ct); err != nil {
			return fmt.Errorf("crypto: read segment: %w", err)
		}
		plain, err := b.aead.Open(ct[:0], nonce, ct, segmentAAD(seg))
		if err != nil {
			return ErrDecryptFailed
		}
		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("crypto: write plaintext: %w", err)
		}
	}
}

// SealedStreamSize returns the segmented envelope size for a plaintext of
// the given length, so uploads can announce an exact Content-Length.
func (b *Box) SealedStreamSize(plaintextLen int64) int64 {
	segments := (plaintextLen + segmentSize - 1) / segmentSize
	perSegment := int64(segmentFrameOverhead + b.aead.Overhead())
	return int64(streamHeaderSize) + plaintextLen + segments*perSegment
}

func segmentAAD(seg uint64) []byte {
	aad := make([]byte, 9)
	aad[0] = envelopeVersionStream
	binary.BigEndian.PutUint64(aad[1:], seg)
	return aad
}

// IsEnvelope reports whether data starts with the envelope magic.
func IsEnvelope(data []byte) bool {
	return len(data) >= len(envelopeMagic) && string(data[:len(envelopeMagic)]) == envelopeMagic
}
