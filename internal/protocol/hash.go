package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxSafeInt is the largest integer float64 represents exactly; integer
// literals beyond it must not round-trip through float64.
const maxSafeInt = 1 << 53

// CanonicalJSON re-emits a JSON document in canonical form: object keys
// sorted lexicographically at every level, numbers in shortest round-trip
// form, minimal string escaping, no whitespace. Identical values with
// different key orders canonicalize to identical bytes.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		return writeNumber(buf, t)
	default:
		return writeScalar(buf, t)
	}
	return nil
}

// writeNumber emits a number in shortest round-trip form. Integer literals
// beyond float64's safe range keep their original text; everything else
// reformats through float64's shortest representation.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		// Integer literal: only reformat when float64 holds it exactly.
		if i, err := strconv.ParseInt(s, 10, 64); err != nil || i > maxSafeInt || i < -maxSafeInt {
			buf.WriteString(s)
			return nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		// Out-of-range decimals (e.g. huge exponents) keep their text.
		buf.WriteString(s)
		return nil
	}
	return writeScalar(buf, f)
}

// writeScalar marshals a leaf value without HTML escaping. float64 marshals
// through Go's shortest round-trip formatting, which is the canonical number
// form.
func writeScalar(buf *bytes.Buffer, v interface{}) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder appends a newline; canonical form has none.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}

// HashRequest fingerprints a request payload: sha256 over the canonical
// payload bytes, hex encoded. With normalize=false the service name is
// folded into the digest alongside the payload.
func HashRequest(req *RequestPayload, normalize bool) (string, error) {
	canonical, err := CanonicalJSON(req.Payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if !normalize {
		h.Write([]byte(req.Service))
		h.Write([]byte{0})
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EnvelopeHash returns the request hash for an Open command envelope,
// honoring a producer-supplied payloadHash without re-hashing.
func EnvelopeHash(env *Envelope, normalize bool) (string, error) {
	if env.Payload.Type != MessageOpen || env.Payload.Request == nil {
		return "", Errorf(CodeUnexpectedPayload, "hash requested for non-open message %q", env.Payload.Type)
	}
	if env.PayloadHash != "" {
		return env.PayloadHash, nil
	}
	return HashRequest(env.Payload.Request, normalize)
}
