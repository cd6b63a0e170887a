package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aerolink/link-manager/internal/crypto"
)

// rsaEnvelope is the wire form of an RSA protected frame.
type rsaEnvelope struct {
	RSAEncrypted bool   `json:"rsa_encrypted"`
	Data         string `json:"data"`
}

// Codec encodes frames into their cryptographic envelope and decodes inbound
// datagrams back into frames. The envelope is chosen per message: RSA with
// signature when enabled and the peer's public key is known, AES when
// enabled, plaintext otherwise.
type Codec struct {
	identity *crypto.RSA
	aes      *crypto.AES
	useRSA   bool
}

// NewCodec creates a codec. identity is the local RSA key pair, aes may be
// nil when symmetric encryption is disabled.
func NewCodec(identity *crypto.RSA, aes *crypto.AES, useRSA bool) *Codec {
	return &Codec{identity: identity, aes: aes, useRSA: useRSA}
}

// Encode wraps a frame for transmission to the given peer. peer may be nil
// or without a public key, in which case the AES or plaintext path is used.
func (c *Codec) Encode(f *Frame, peer *crypto.RSA) ([]byte, error) {
	f.Signature = ""
	plain, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}

	if c.useRSA && peer != nil && peer.HasPublic() {
		sig, err := c.identity.Sign(plain)
		if err != nil {
			return nil, err
		}
		f.Signature = sig
		signed, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal signed frame: %w", err)
		}
		data, err := peer.Encrypt(signed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rsaEnvelope{RSAEncrypted: true, Data: data})
	}

	if c.aes != nil {
		enc, err := c.aes.Encrypt(plain)
		if err != nil {
			return nil, err
		}
		return []byte(enc), nil
	}

	return plain, nil
}

// KeyLookup resolves a peer name to its RSA public key, or nil when the peer
// is unknown.
type KeyLookup func(name string) *crypto.RSA

// Decode unwraps an inbound datagram into a frame. For RSA envelopes the
// signature is verified against the key returned by lookup, falling back to
// the public key carried in the frame itself (pair exchanges bind a new
// identity). Any failure returns an error; callers drop the datagram.
func (c *Codec) Decode(raw []byte, lookup KeyLookup) (*Frame, error) {
	plain, err := c.unwrap(raw, lookup)
	if err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(plain, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.MachineName == "" {
		return nil, fmt.Errorf("frame without machine_name")
	}
	return &f, nil
}

func (c *Codec) unwrap(raw []byte, lookup KeyLookup) ([]byte, error) {
	var env rsaEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.RSAEncrypted {
		return c.openRSA(env.Data, lookup)
	}

	// Not an RSA envelope. Plaintext frames parse as JSON directly, AES
	// frames are a bare base64 string.
	if json.Valid(raw) {
		return raw, nil
	}
	if c.aes == nil {
		return nil, fmt.Errorf("unparseable datagram")
	}
	plain, err := c.aes.Decrypt(string(raw))
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func (c *Codec) openRSA(data string, lookup KeyLookup) ([]byte, error) {
	signed, err := c.identity.Decrypt(data)
	if err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(signed, &f); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted frame: %w", err)
	}
	if f.Signature == "" {
		return nil, fmt.Errorf("rsa frame without signature")
	}

	sig := f.Signature
	f.Signature = ""
	plain, err := json.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to remarshal frame: %w", err)
	}

	key := lookup(f.MachineName)
	if key == nil || !key.HasPublic() {
		if f.PublicKey == "" {
			return nil, fmt.Errorf("no key to verify frame from %q", f.MachineName)
		}
		key = &crypto.RSA{}
		if err := key.LoadPublic(f.PublicKey); err != nil {
			return nil, err
		}
	}
	if !key.Verify(plain, sig) {
		return nil, fmt.Errorf("signature verification failed for %q", f.MachineName)
	}

	return plain, nil
}
