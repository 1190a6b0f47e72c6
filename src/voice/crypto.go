package voice

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

type EncryptionMode = string

const (
	ModeXSalsa20Poly1305             EncryptionMode = "xsalsa20_poly1305"
	ModeXSalsa20Poly1305Suffix       EncryptionMode = "xsalsa20_poly1305_suffix"
	ModeXSalsa20Poly1305Lite         EncryptionMode = "xsalsa20_poly1305_lite"
	ModeAEADXChaCha20Poly1305RTPSize EncryptionMode = "aead_xchacha20_poly1305_rtpsize"
	ModeAEADAES256GCMRTPSize         EncryptionMode = "aead_aes256_gcm_rtpsize"
)

// supportedModes lists every mode this transport implements, most
// preferred first. Mode selection picks the first one the server also
// supports.
var supportedModes = []EncryptionMode{
	ModeAEADXChaCha20Poly1305RTPSize,
	ModeAEADAES256GCMRTPSize,
	ModeXSalsa20Poly1305Lite,
	ModeXSalsa20Poly1305Suffix,
	ModeXSalsa20Poly1305,
}

var (
	ErrUnsupportedEncryptionMode = errors.New("the server offered no encryption mode this transport supports")
	ErrEncryptionFailed          = errors.New("failed to encrypt rtp payload")
	ErrDecryptionFailed          = errors.New("failed to decrypt rtp payload")
)

// SelectMode picks the encryption mode to declare in SelectProtocol.
func SelectMode(serverModes []string) (EncryptionMode, error) {
	for _, mode := range supportedModes {
		for _, offered := range serverModes {
			if mode == offered {
				return mode, nil
			}
		}
	}
	return "", ErrUnsupportedEncryptionMode
}

// cryptor seals and opens RTP payloads with the negotiated mode. The
// nonce is derived from the packet per mode: header bytes zero-padded,
// a random suffix appended to the packet, or an incrementing counter
// suffix. The rtpsize AEAD modes additionally authenticate the header.
type cryptor struct {
	mode EncryptionMode
	key  [32]byte
	aead cipher.AEAD
	// counter feeds the outbound nonce for the lite and rtpsize modes.
	counter atomic.Uint32
}

func newCryptor(mode EncryptionMode, key [32]byte) (*cryptor, error) {
	c := &cryptor{mode: mode, key: key}
	switch mode {
	case ModeXSalsa20Poly1305, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305Lite:
	case ModeAEADXChaCha20Poly1305RTPSize:
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, err
		}
		c.aead = aead
	case ModeAEADAES256GCMRTPSize:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		c.aead = aead
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncryptionMode, mode)
	}
	return c, nil
}

// encrypt seals payload and returns the complete datagram: the RTP
// header, the ciphertext and, depending on mode, a trailing nonce.
func (c *cryptor) encrypt(header []byte, payload []byte) ([]byte, error) {
	switch c.mode {
	case ModeXSalsa20Poly1305:
		var nonce [24]byte
		copy(nonce[:], header)
		out := make([]byte, 0, len(header)+len(payload)+secretbox.Overhead)
		out = append(out, header...)
		return secretbox.Seal(out, payload, &nonce, &c.key), nil
	case ModeXSalsa20Poly1305Suffix:
		var nonce [24]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		out := make([]byte, 0, len(header)+len(payload)+secretbox.Overhead+24)
		out = append(out, header...)
		out = secretbox.Seal(out, payload, &nonce, &c.key)
		return append(out, nonce[:]...), nil
	case ModeXSalsa20Poly1305Lite:
		var nonce [24]byte
		suffix := c.nextCounter()
		copy(nonce[:4], suffix[:])
		out := make([]byte, 0, len(header)+len(payload)+secretbox.Overhead+4)
		out = append(out, header...)
		out = secretbox.Seal(out, payload, &nonce, &c.key)
		return append(out, suffix[:]...), nil
	default:
		nonce := make([]byte, c.aead.NonceSize())
		suffix := c.nextCounter()
		copy(nonce[:4], suffix[:])
		out := make([]byte, 0, len(header)+len(payload)+c.aead.Overhead()+4)
		out = append(out, header...)
		out = c.aead.Seal(out, nonce, payload, header)
		return append(out, suffix[:]...), nil
	}
}

// decrypt opens the payload of a complete datagram. The header is
// expected to be rtpHeaderSize bytes at the front.
func (c *cryptor) decrypt(packet []byte) ([]byte, error) {
	if len(packet) < rtpHeaderSize {
		return nil, ErrDecryptionFailed
	}
	header := packet[:rtpHeaderSize]
	body := packet[rtpHeaderSize:]

	switch c.mode {
	case ModeXSalsa20Poly1305:
		var nonce [24]byte
		copy(nonce[:], header)
		return openSecretbox(body, &nonce, &c.key)
	case ModeXSalsa20Poly1305Suffix:
		if len(body) < 24 {
			return nil, ErrDecryptionFailed
		}
		var nonce [24]byte
		copy(nonce[:], body[len(body)-24:])
		return openSecretbox(body[:len(body)-24], &nonce, &c.key)
	case ModeXSalsa20Poly1305Lite:
		if len(body) < 4 {
			return nil, ErrDecryptionFailed
		}
		var nonce [24]byte
		copy(nonce[:4], body[len(body)-4:])
		return openSecretbox(body[:len(body)-4], &nonce, &c.key)
	default:
		if len(body) < 4 {
			return nil, ErrDecryptionFailed
		}
		nonce := make([]byte, c.aead.NonceSize())
		copy(nonce[:4], body[len(body)-4:])
		plain, err := c.aead.Open(nil, nonce, body[:len(body)-4], header)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		return plain, nil
	}
}

func (c *cryptor) nextCounter() [4]byte {
	var suffix [4]byte
	binary.BigEndian.PutUint32(suffix[:], c.counter.Add(1))
	return suffix
}

func openSecretbox(ciphertext []byte, nonce *[24]byte, key *[32]byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, ciphertext, nonce, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
