package store

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/textproto"
	"strings"
)

// Headers mixed into the fingerprint. Enough to tell deliveries apart,
// stable across re-delivery of identical content.
var fingerprintHeaders = []string{"Message-Id", "Date", "From", "To", "Subject"}

// Fingerprint returns a stable token identifying a message delivery: hex
// sha256 over the alias identity, a fixed subset of the message's headers and
// the raw bytes. Callers pass the message as submitted, before the encryption
// gate: sealing uses a fresh ephemeral key per attempt, so a token over the
// ciphertext would never match across repeated deliveries of identical
// content. The alias identity keeps tokens from ever matching across aliases,
// dedup is always scoped to one mailbox.
func Fingerprint(aliasName string, raw []byte) string {
	h, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw))).ReadMIMEHeader()
	if err != nil {
		// The raw bytes dominate the hash, a message without a parseable
		// header is fingerprinted on its content alone.
		h = textproto.MIMEHeader{}
	}
	hash := sha256.New()
	fmt.Fprintf(hash, "%s\n", aliasName)
	for _, k := range fingerprintHeaders {
		fmt.Fprintf(hash, "%s: %s\n", k, strings.Join(h.Values(k), ", "))
	}
	hash.Write(raw)
	return fmt.Sprintf("%x", hash.Sum(nil))
}
