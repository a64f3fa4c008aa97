package transport

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/security"
)

func testEncryptor(t *testing.T) security.Encryptor {
	t.Helper()
	enc, err := security.NewChaCha20Encryptor(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestSecureCodecEncryptedRoundTrip(t *testing.T) {
	codec := &SecureCodec{Encryptor: testEncryptor(t)}

	msg := message.NewEvent("orders.Placed",
		map[string]any{"orderId": "O1"},
		message.WithCorrelation("C1"))

	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}

	var sealed sealedEnvelope
	if err := json.Unmarshal(data, &sealed); err != nil {
		t.Fatal(err)
	}
	if len(sealed.Ciphertext) == 0 || len(sealed.Nonce) == 0 {
		t.Fatal("encrypted wire form is missing nonce or ciphertext")
	}
	if len(sealed.Payload) != 0 {
		t.Error("encrypted wire form carries a plaintext payload")
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID || got.Type != msg.Type || got.CorrelationID != "C1" {
		t.Errorf("round trip mangled the envelope: %+v", got)
	}
}

func TestSecureCodecSignedRoundTrip(t *testing.T) {
	codec := &SecureCodec{Signer: security.NewHMACSigner([]byte("k1"))}

	msg := message.NewCommand("orders.Place", map[string]any{"orderId": "O1"})

	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID {
		t.Errorf("round trip mangled the envelope: %+v", got)
	}
}

func TestSecureCodecRejectsTamperedPayload(t *testing.T) {
	codec := &SecureCodec{Signer: security.NewHMACSigner([]byte("k1"))}

	data, err := codec.Encode(message.NewCommand("orders.Place", nil))
	if err != nil {
		t.Fatal(err)
	}

	var sealed sealedEnvelope
	if err := json.Unmarshal(data, &sealed); err != nil {
		t.Fatal(err)
	}
	sealed.Payload[len(sealed.Payload)/2] ^= 0xFF
	tampered, err := json.Marshal(&sealed)
	if err != nil {
		t.Fatal(err)
	}

	_, err = codec.Decode(tampered)
	if apperr.CategoryOf(err) != apperr.CategoryValidation {
		t.Errorf("tampered envelope: want Validation, got %v", err)
	}
}

func TestSecureCodecRejectsWrongKey(t *testing.T) {
	sender := &SecureCodec{Encryptor: testEncryptor(t)}

	other, err := security.NewChaCha20Encryptor(bytes.Repeat([]byte{0x24}, 32))
	if err != nil {
		t.Fatal(err)
	}
	receiver := &SecureCodec{Encryptor: other}

	data, err := sender.Encode(message.NewCommand("orders.Place", nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Decode(data); err == nil {
		t.Error("decode with the wrong key should fail")
	}
}
