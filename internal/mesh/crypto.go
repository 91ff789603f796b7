package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// defaultPSK is the well-known key every Meshtastic device ships with for the
// default channel. Single-byte channel keys select variants of it.
var defaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// ParseChannelKey decodes a base64 channel PSK into an AES key. Meshtastic
// distributes keys in three shapes: a single byte (0 disables crypto, 1
// selects the default key, 2..10 select the default key with its last byte
// bumped), or a full 16- or 32-byte key. An empty string yields a nil key.
func ParseChannelKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("channel key is not valid base64: %w", err)
	}
	return expandKey(raw)
}

func expandKey(raw []byte) ([]byte, error) {
	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		if raw[0] == 0 {
			return nil, nil
		}
		key := make([]byte, len(defaultPSK))
		copy(key, defaultPSK)
		key[len(key)-1] = defaultPSK[len(defaultPSK)-1] + raw[0] - 1
		return key, nil
	case 16, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("channel key must be 1, 16 or 32 bytes, got %d", len(raw))
	}
}

// CryptPayload applies the mesh channel cipher: AES-CTR keyed by the channel
// PSK with a nonce of packet id and sender node id, both little-endian,
// followed by a zero counter block. CTR is symmetric, so the same call
// encrypts and decrypts.
func CryptPayload(key []byte, packetID, fromNode uint32, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise channel cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint32(iv[0:4], packetID)
	binary.LittleEndian.PutUint32(iv[4:8], fromNode)
	out := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(out, payload)
	return out, nil
}
