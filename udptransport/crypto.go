package udptransport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Encrypt authenticates and encrypts payload under key, using the 12-byte
// RTP header as the nonce source (right-padded with zeros to 24 bytes). The
// returned packet is header followed by ciphertext+tag.
func Encrypt(header, payload []byte, key *[32]byte) []byte {
	var nonce [24]byte
	copy(nonce[:12], header)
	return secretbox.Seal(append([]byte{}, header...), payload, &nonce, key)
}

// Decrypt reverses Encrypt: packet must be a 12-byte RTP header followed by
// secretbox ciphertext. The nonce is derived from the packet's own header.
func Decrypt(packet []byte, key *[32]byte) ([]byte, error) {
	if len(packet) < 12+secretbox.Overhead {
		return nil, fmt.Errorf("udptransport: packet too short to decrypt (%d bytes)", len(packet))
	}
	var nonce [24]byte
	copy(nonce[:12], packet[:12])
	out, ok := secretbox.Open(nil, packet[12:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("udptransport: decryption failed")
	}
	return out, nil
}

func randomUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
