// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization.
// The same bytes are used for hashing ledger payloads and for storing them.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/gowebpki/jcs"
)

// ErrInexactNumber is returned for a number whose value would change
// under the IEEE-754 double representation RFC 8785 mandates, such as an
// integer beyond 2^53.
var ErrInexactNumber = errors.New("jcs: number not exactly representable")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags and custom
// marshalers are honoured, then transformed: object keys are sorted by
// UTF-16 code units, numbers use the ECMAScript form, and HTML escaping
// is not applied.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes an already-encoded JSON document. Numbers that
// the transform would round are rejected with ErrInexactNumber.
func Transform(raw []byte) ([]byte, error) {
	var generic any
	if err := Decode(raw, &generic); err != nil {
		return nil, err
	}
	if err := checkNumbers(generic); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Decode parses JSON into generic values, keeping numbers as json.Number
// so a decode/re-encode cycle does not change their text.
func Decode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("jcs: decode: %w", err)
	}
	return nil
}

func checkNumbers(v any) error {
	switch t := v.(type) {
	case map[string]any:
		for _, e := range t {
			if err := checkNumbers(e); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := checkNumbers(e); err != nil {
				return err
			}
		}
	case json.Number:
		if !exactDouble(t.String()) {
			return fmt.Errorf("%w: %s", ErrInexactNumber, t)
		}
	}
	return nil
}

// exactDouble reports whether the decimal value of s is unchanged by a
// round trip through float64 and its shortest ECMAScript rendering.
func exactDouble(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	in, ok := new(big.Rat).SetString(s)
	if !ok {
		return false
	}
	out, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok {
		return false
	}
	return in.Cmp(out) == 0
}
