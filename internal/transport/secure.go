package transport

import (
	"encoding/json"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/security"
)

// Codec converts messages to and from their wire form. Transports that
// serialize (NATS) run every payload through one; the memory transport
// hands messages over in-process and never encodes.
type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
}

// PlainCodec is the default JSON envelope codec.
type PlainCodec struct{}

func (PlainCodec) Encode(msg *message.Message) ([]byte, error) { return Encode(msg) }
func (PlainCodec) Decode(data []byte) (*message.Message, error) {
	return Decode(data)
}

// sealedEnvelope is the outer wire form produced by SecureCodec. Exactly
// one of Ciphertext and Payload is set, depending on whether encryption is
// configured. The signature covers whichever of the two carries the data.
type sealedEnvelope struct {
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	Signature  []byte `json:"signature,omitempty"`
}

// SecureCodec wraps the plain envelope with authenticated encryption, a
// detached signature, or both. Nil fields disable the corresponding
// protection; with both nil it degrades to the plain codec's output inside
// the outer envelope.
type SecureCodec struct {
	Encryptor security.Encryptor
	Signer    security.Signer
}

func (c *SecureCodec) Encode(msg *message.Message) ([]byte, error) {
	plain, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	var sealed sealedEnvelope
	body := plain
	if c.Encryptor != nil {
		nonce, ciphertext, err := c.Encryptor.Encrypt(plain)
		if err != nil {
			return nil, err
		}
		sealed.Nonce = nonce
		sealed.Ciphertext = ciphertext
		body = ciphertext
	} else {
		sealed.Payload = plain
	}

	if c.Signer != nil {
		sealed.Signature = c.Signer.Sign(body)
	}

	data, err := json.Marshal(&sealed)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryFatal, "encoding sealed envelope", err)
	}
	return data, nil
}

func (c *SecureCodec) Decode(data []byte) (*message.Message, error) {
	var sealed sealedEnvelope
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, apperr.Wrap(apperr.CategoryValidation, "decoding sealed envelope", err)
	}

	body := sealed.Payload
	if c.Encryptor != nil {
		body = sealed.Ciphertext
	}

	if c.Signer != nil {
		if !c.Signer.Verify(body, sealed.Signature) {
			return nil, apperr.Validation("envelope signature mismatch")
		}
	}

	plain := body
	if c.Encryptor != nil {
		opened, err := c.Encryptor.Decrypt(sealed.Nonce, sealed.Ciphertext)
		if err != nil {
			return nil, err
		}
		plain = opened
	}

	return Decode(plain)
}
