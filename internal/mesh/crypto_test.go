package mesh

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestParseChannelKey(t *testing.T) {
	rawKey := make([]byte, 32)
	for i := range rawKey {
		rawKey[i] = byte(i)
	}

	tests := []struct {
		name    string
		b64     string
		want    []byte
		wantErr bool
	}{
		{name: "empty means no key", b64: "", want: nil},
		{name: "zero byte disables crypto", b64: "AA==", want: nil},
		{name: "one selects the default key", b64: "AQ==", want: defaultPSK},
		{name: "two bumps the last byte", b64: "Ag==", want: append(append([]byte{}, defaultPSK[:15]...), defaultPSK[15]+1)},
		{name: "16 byte key passes through", b64: base64.StdEncoding.EncodeToString(rawKey[:16]), want: rawKey[:16]},
		{name: "32 byte key passes through", b64: base64.StdEncoding.EncodeToString(rawKey), want: rawKey},
		{name: "invalid base64", b64: "not base64!!!", wantErr: true},
		{name: "unsupported length", b64: base64.StdEncoding.EncodeToString(rawKey[:5]), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannelKey(tt.b64)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseChannelKey(%q): expected error, got key %x", tt.b64, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChannelKey(%q): %v", tt.b64, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParseChannelKey(%q): got %x, want %x", tt.b64, got, tt.want)
			}
		})
	}
}

func TestCryptPayloadRoundTrip(t *testing.T) {
	key, err := ParseChannelKey("AQ==")
	if err != nil {
		t.Fatalf("ParseChannelKey: %v", err)
	}

	plain := []byte("hello mesh")
	enc, err := CryptPayload(key, 0x12345678, 0xae614908, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := CryptPayload(key, 0x12345678, 0xae614908, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("round trip: got %q, want %q", dec, plain)
	}
}

func TestCryptPayloadNonceDependsOnPacketAndSender(t *testing.T) {
	key, err := ParseChannelKey("AQ==")
	if err != nil {
		t.Fatalf("ParseChannelKey: %v", err)
	}
	plain := []byte("same payload")

	base, err := CryptPayload(key, 1, 2, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	otherPacket, err := CryptPayload(key, 3, 2, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	otherSender, err := CryptPayload(key, 1, 4, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if bytes.Equal(base, otherPacket) {
		t.Error("packet id does not affect the keystream")
	}
	if bytes.Equal(base, otherSender) {
		t.Error("sender id does not affect the keystream")
	}
}

func TestCryptPayloadRejectsBadKey(t *testing.T) {
	if _, err := CryptPayload([]byte{1, 2, 3}, 1, 2, []byte("x")); err == nil {
		t.Fatal("expected error for a 3-byte key, got nil")
	}
}
