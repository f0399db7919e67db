// Package signature authenticates envelopes published by the backend.
//
// The signer serializes the envelope without its signature field, with object
// keys sorted at every depth, no HTML escaping, backspace and form feed
// written as "\b" and "\f", and every "/" written as "\/". It signs those
// bytes with HMAC-SHA256 and sends the digest hex encoded.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/nmxmxh/chatrelay/pkg/json"
)

// Field is the envelope field holding the hex digest.
const Field = "signature"

// Canonicalize returns the bytes that are signed for envelope. The signature
// field is excluded; the input map is not modified.
func Canonicalize(envelope map[string]interface{}) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("canonicalize: nil envelope")
	}
	unsigned := make(map[string]interface{}, len(envelope))
	for k, v := range envelope {
		if k == Field {
			continue
		}
		unsigned[k] = v
	}
	// Canonical sorts map keys at every depth and leaves slices in order.
	out, err := json.Canonical.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.ReplaceAll(shortEscapes(out), []byte("/"), []byte(`\/`)), nil
}

// shortEscapes rewrites the \u0008 and \u000c escapes the encoder emits into
// the two-character forms the signer uses. Every backslash in encoder output
// opens an escape, so skipping whole escapes keeps an escaped backslash
// followed by literal "u0008" intact.
func shortEscapes(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u000`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "0008":
				out = append(out, '\\', 'b')
				i += 5
				continue
			case "000c", "000C":
				out = append(out, '\\', 'f')
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// Sign returns the hex HMAC-SHA256 of envelope's canonical form.
func Sign(envelope map[string]interface{}, secret []byte) (string, error) {
	canonical, err := Canonicalize(envelope)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest(canonical, secret)), nil
}

// Verify reports whether envelope carries a valid signature for secret. It
// returns false for a missing or non-hex signature, an empty secret, or an
// envelope that cannot be serialized.
func Verify(envelope map[string]interface{}, secret []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(secret) == 0 {
		return false
	}
	supplied, isString := envelope[Field].(string)
	if !isString || supplied == "" {
		return false
	}
	got, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}
	canonical, err := Canonicalize(envelope)
	if err != nil {
		return false
	}
	return hmac.Equal(got, digest(canonical, secret))
}

// LoadSecret reads the shared secret from path. Surrounding whitespace is
// trimmed; an empty file is an error.
func LoadSecret(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("secret key path is not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret key: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("secret key file %s is empty", path)
	}
	return []byte(secret), nil
}

func digest(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
