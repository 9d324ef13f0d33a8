package envsecrets

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"

	"filippo.io/age"

	"ploinky/internal/errs"
)

// EncryptedPrefix marks a secrets-file value as an age-encrypted envelope,
// mirroring the vault package's "enc:v1:<base64>" format.
const EncryptedPrefix = "enc:v1:"

// IsEncrypted reports whether a raw secrets-file value carries the
// encrypted envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// EncryptValue seals plaintext to recipient (an age X25519 public key
// string), producing the on-disk envelope form.
func EncryptValue(plaintext string, recipient string) (string, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
	if err != nil {
		return "", errs.Wrap(errs.Validation, "parse age recipient", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "open age writer", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", errs.Wrap(errs.Fatal, "write age plaintext", err)
	}
	if err := w.Close(); err != nil {
		return "", errs.Wrap(errs.Fatal, "close age writer", err)
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecryptValue opens an "enc:v1:..." envelope with identity (an age
// X25519 identity string). Values without the envelope prefix pass
// through unchanged, matching the vault package's plaintext passthrough
// when no identity is configured.
func DecryptValue(value string, identity string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if strings.TrimSpace(identity) == "" {
		return "", errs.New(errs.Validation, "encrypted value present but no age identity configured")
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return "", errs.Wrap(errs.Validation, "parse age identity", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", errs.Wrap(errs.Validation, "decode age envelope", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), id)
	if err != nil {
		return "", errs.Wrap(errs.Validation, "decrypt age envelope", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "read decrypted age plaintext", err)
	}
	return string(out), nil
}
