package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAESRoundTrip(t *testing.T) {
	a := NewAES("1234567890", DefaultSalt, true)

	plain := []byte(`{"machine_name":"TestVehicle","seq":42}`)
	encoded, err := a.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if encoded == string(plain) {
		t.Error("ciphertext equals plaintext")
	}

	decrypted, err := a.Decrypt(encoded)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Errorf("round trip mismatch: got %q, want %q", decrypted, plain)
	}
}

func TestAESRoundTripNoCompression(t *testing.T) {
	a := NewAES("password", DefaultSalt, false)

	plain := []byte("short")
	encoded, err := a.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	decrypted, err := a.Decrypt(encoded)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Errorf("round trip mismatch: got %q, want %q", decrypted, plain)
	}
}

func TestAESWrongKeyFails(t *testing.T) {
	a := NewAES("correct-password", DefaultSalt, true)
	b := NewAES("wrong-password", DefaultSalt, true)

	encoded, err := a.Encrypt([]byte("secret message"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := b.Decrypt(encoded); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}

func TestAESWrongSaltFails(t *testing.T) {
	a := NewAES("password", DefaultSalt, true)
	b := NewAES("password", DefaultSalt+1, true)

	encoded, err := a.Encrypt([]byte("secret message"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := b.Decrypt(encoded); err == nil {
		t.Error("expected decryption with wrong salt to fail")
	}
}

func TestAESMalformedInput(t *testing.T) {
	a := NewAES("password", DefaultSalt, true)

	for _, input := range []string{"", "not base64 ###", "YWJj"} {
		if _, err := a.Decrypt(input); err == nil {
			t.Errorf("expected Decrypt(%q) to fail", input)
		}
	}
}

func TestRSAKeyPEMRoundTrip(t *testing.T) {
	var r RSA
	if err := r.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	pub := r.PublicKey()
	priv := r.PrivateKey()
	if !strings.Contains(pub, "BEGIN PUBLIC KEY") {
		t.Errorf("public key not PEM encoded: %q", pub)
	}
	if !strings.Contains(priv, "BEGIN RSA PRIVATE KEY") {
		t.Errorf("private key not PEM encoded: %q", priv)
	}

	var loaded RSA
	if err := loaded.LoadPrivate(priv); err != nil {
		t.Fatalf("LoadPrivate failed: %v", err)
	}
	if loaded.PublicKey() != pub {
		t.Error("public key changed across PEM round trip")
	}

	var pubOnly RSA
	if err := pubOnly.LoadPublic(pub); err != nil {
		t.Fatalf("LoadPublic failed: %v", err)
	}
	if !pubOnly.HasPublic() {
		t.Error("HasPublic false after LoadPublic")
	}
}

func TestRSAEncryptDecryptRoundTrip(t *testing.T) {
	var own RSA
	if err := own.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	var peer RSA
	if err := peer.LoadPublic(own.PublicKey()); err != nil {
		t.Fatalf("LoadPublic failed: %v", err)
	}

	// Short, block-boundary and multi-block plaintexts.
	for _, size := range []int{1, 190, 191, 500, 4096} {
		plain := bytes.Repeat([]byte{0xA5}, size)
		encoded, err := peer.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes) failed: %v", size, err)
		}
		decrypted, err := own.Decrypt(encoded)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes) failed: %v", size, err)
		}
		if !bytes.Equal(decrypted, plain) {
			t.Errorf("round trip mismatch at %d bytes", size)
		}
	}
}

func TestRSASignVerify(t *testing.T) {
	var own RSA
	if err := own.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	msg := []byte("pairing frame payload")
	sig, err := own.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !own.Verify(msg, sig) {
		t.Error("signature did not verify with own public key")
	}
	if own.Verify([]byte("tampered payload"), sig) {
		t.Error("signature verified over tampered payload")
	}

	var other RSA
	if err := other.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if other.Verify(msg, sig) {
		t.Error("signature verified with the wrong key")
	}
}

func TestRSADecryptWithWrongKeyFails(t *testing.T) {
	var alice, bob RSA
	if err := alice.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := bob.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var toAlice RSA
	if err := toAlice.LoadPublic(alice.PublicKey()); err != nil {
		t.Fatalf("LoadPublic failed: %v", err)
	}
	encoded, err := toAlice.Encrypt([]byte("for alice only"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := bob.Decrypt(encoded); err == nil {
		t.Error("expected decryption with wrong private key to fail")
	}
}

func TestRandomKey(t *testing.T) {
	k1, err := RandomKey(32)
	if err != nil {
		t.Fatalf("RandomKey failed: %v", err)
	}
	k2, err := RandomKey(32)
	if err != nil {
		t.Fatalf("RandomKey failed: %v", err)
	}
	if len(k1) != 32 || len(k2) != 32 {
		t.Errorf("unexpected key lengths %d, %d", len(k1), len(k2))
	}
	if k1 == k2 {
		t.Error("two random keys are identical")
	}
}
