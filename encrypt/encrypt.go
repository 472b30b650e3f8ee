// Package encrypt seals messages for storage with a per-alias X25519 public
// key, using NaCl box (x25519-xsalsa20-poly1305) with an ephemeral sender
// key. The sealed message is wrapped in a plain MIME message so the rest of
// the system keeps handling regular message bytes.
package encrypt

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	// Algorithm identifies the sealing construction in the wrapper header.
	Algorithm = "x25519-xsalsa20-poly1305"

	// ContentType of the wrapper. Its presence marks a message as already
	// encrypted.
	ContentType = "application/x-mstore-encrypted"

	publicKeySize = 32
	nonceSize     = 24
)

var (
	// ErrCode signals misuse from our side, e.g. a key of the wrong size.
	ErrCode = errors.New("encrypt: invalid use")

	// ErrTransient signals a failure that may succeed on retry.
	ErrTransient = errors.New("encrypt: transient failure")
)

// Classify returns the failure class for an error from this package: "code",
// "transient" or "permanent". Only permanent failures warrant alerting the
// key owner.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCode):
		return "code"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "permanent"
}

// Headers kept in plaintext on the wrapper. Threading and envelope summaries
// keep working on a sealed message, the body and all other headers do not
// leave the box.
var plainHeaders = map[string]bool{
	"From":        true,
	"To":          true,
	"Cc":          true,
	"Reply-To":    true,
	"Date":        true,
	"Subject":     true,
	"Message-Id":  true,
	"In-Reply-To": true,
	"References":  true,
}

// IsEncrypted reports whether raw already carries the encrypted wrapper.
func IsEncrypted(raw []byte) bool {
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	hdr, err := tr.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return false
	}
	ct, _, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	return err == nil && ct == ContentType
}

// MaybeEncrypt seals raw with the alias public key, returning the wrapper
// message. Raw is returned unchanged if publicKey is empty or if raw already
// carries the wrapper, sealing is idempotent.
func MaybeEncrypt(publicKey, raw []byte) ([]byte, error) {
	if len(publicKey) == 0 || IsEncrypted(raw) {
		return raw, nil
	}
	if len(publicKey) != publicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrCode, publicKeySize, len(publicKey))
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral key: %v", ErrTransient, err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrTransient, err)
	}
	var pub [publicKeySize]byte
	copy(pub[:], publicKey)

	sealed := box.Seal(nil, raw, &nonce, &pub, ephPriv)

	// ephemeral public key || nonce || ciphertext
	payload := make([]byte, 0, publicKeySize+nonceSize+len(sealed))
	payload = append(payload, ephPub[:]...)
	payload = append(payload, nonce[:]...)
	payload = append(payload, sealed...)

	return wrap(raw, payload), nil
}

// Decrypt opens a wrapper message with the alias private key, returning the
// original raw message. For recovery tooling and tests, the service itself
// never holds private keys.
func Decrypt(privateKey, raw []byte) ([]byte, error) {
	if len(privateKey) != publicKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrCode, publicKeySize, len(privateKey))
	}
	if !IsEncrypted(raw) {
		return nil, fmt.Errorf("message does not carry the encrypted wrapper")
	}

	payload, err := wrapperPayload(raw)
	if err != nil {
		return nil, err
	}
	if len(payload) < publicKeySize+nonceSize+box.Overhead {
		return nil, fmt.Errorf("encrypted payload too short: %d bytes", len(payload))
	}

	var ephPub [publicKeySize]byte
	copy(ephPub[:], payload[:publicKeySize])
	var nonce [nonceSize]byte
	copy(nonce[:], payload[publicKeySize:publicKeySize+nonceSize])
	var priv [publicKeySize]byte
	copy(priv[:], privateKey)

	plain, ok := box.Open(nil, payload[publicKeySize+nonceSize:], &nonce, &ephPub, &priv)
	if !ok {
		return nil, fmt.Errorf("opening box failed, wrong key or corrupt data")
	}
	return plain, nil
}

// wrap builds the wrapper message: plaintext subset of the original headers,
// then the sealed payload as base64 body.
func wrap(orig, payload []byte) []byte {
	var b bytes.Buffer
	keep := false
	for _, line := range headerLines(orig) {
		if line[0] == ' ' || line[0] == '\t' {
			if keep {
				b.WriteString(line)
			}
			continue
		}
		k, _, ok := strings.Cut(line, ":")
		keep = ok && plainHeaders[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))]
		if keep {
			b.WriteString(line)
		}
	}
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", ContentType)
	fmt.Fprintf(&b, "Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(&b, "X-Mstore-Encryption: %s\r\n", Algorithm)
	b.WriteString("\r\n")

	s := base64.StdEncoding.EncodeToString(payload)
	for len(s) > 0 {
		n := min(len(s), 76)
		b.WriteString(s[:n])
		b.WriteString("\r\n")
		s = s[n:]
	}
	return b.Bytes()
}

// headerLines returns the header section of raw as lines including their line
// endings, up to but not including the blank separator line.
func headerLines(raw []byte) []string {
	s := string(raw)
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		s = s[:i+2]
	} else if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i+1]
	}
	var lines []string
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
	}
	return lines
}

func wrapperPayload(raw []byte) ([]byte, error) {
	s := string(raw)
	var body string
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		body = s[i+4:]
	} else if i := strings.Index(s, "\n\n"); i >= 0 {
		body = s[i+2:]
	} else {
		return nil, fmt.Errorf("wrapper message without body")
	}
	body = strings.ReplaceAll(body, "\r", "")
	body = strings.ReplaceAll(body, "\n", "")
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return payload, nil
}
