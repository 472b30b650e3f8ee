package encrypt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

const testMsg = "From: alice@example.org\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: the plan\r\n" +
	"Message-Id: <plan@example.org>\r\n" +
	"X-Secret-Header: do not leak\r\n" +
	"\r\n" +
	"meet at noon\r\n"

func TestRoundtrip(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	sealed, err := MaybeEncrypt(pub[:], []byte(testMsg))
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("sealed message not recognized as encrypted")
	}
	if bytes.Contains(sealed, []byte("meet at noon")) || bytes.Contains(sealed, []byte("do not leak")) {
		t.Fatalf("plaintext leaked into sealed message")
	}
	if !bytes.Contains(sealed, []byte("Subject: the plan")) {
		t.Fatalf("plaintext subject missing from wrapper")
	}

	// Sealing again must be a no-op.
	again, err := MaybeEncrypt(pub[:], sealed)
	if err != nil {
		t.Fatalf("encrypting sealed message: %v", err)
	}
	if !bytes.Equal(again, sealed) {
		t.Fatalf("sealing an already sealed message changed the bytes")
	}

	plain, err := Decrypt(priv[:], sealed)
	if err != nil {
		t.Fatalf("decrypting: %v", err)
	}
	if !bytes.Equal(plain, []byte(testMsg)) {
		t.Fatalf("roundtrip changed message, got %q", plain)
	}
}

func TestNoKey(t *testing.T) {
	raw := []byte(testMsg)
	out, err := MaybeEncrypt(nil, raw)
	if err != nil {
		t.Fatalf("encrypting without key: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatalf("message without key changed")
	}
	if IsEncrypted(out) {
		t.Fatalf("plain message recognized as encrypted")
	}
}

func TestClassify(t *testing.T) {
	_, err := MaybeEncrypt([]byte("short"), []byte(testMsg))
	if !errors.Is(err, ErrCode) {
		t.Fatalf("got %v, expected ErrCode for bad key size", err)
	}
	if Classify(err) != "code" {
		t.Fatalf("got class %q, expected code", Classify(err))
	}
	if Classify(errors.New("x")) != "permanent" {
		t.Fatalf("unknown error not classified permanent")
	}
	if Classify(nil) != "" {
		t.Fatalf("nil error got a class")
	}
}

func TestDecryptErrors(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if _, err := Decrypt(priv[:], []byte(testMsg)); err == nil {
		t.Fatalf("missing error decrypting a plain message")
	}

	sealed, err := MaybeEncrypt(pub[:], []byte(testMsg))
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}
	otherPub, otherPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	_ = otherPub
	if _, err := Decrypt(otherPriv[:], sealed); err == nil || strings.Contains(err.Error(), "base64") {
		t.Fatalf("got %v, expected open failure with wrong key", err)
	}
}
