package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// SignatureHeader carries "t=<unix ms>,v1=<hex hmac>,kid=<key id>".
const SignatureHeader = "Molam-Signature"

// DefaultTolerance is the accepted clock skew for Verify.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMalformedSignature = errors.New("webhook: malformed signature header")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
	ErrStaleSignature     = errors.New("webhook: timestamp outside tolerance")
)

// DeriveSecret derives an endpoint secret from the master secret.
func DeriveSecret(master []byte, endpointID string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("webhook: master secret is empty")
	}
	r := hkdf.New(sha256.New, master, []byte("opsgate-webhook"), []byte(endpointID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return out, nil
}

// Sign builds the signature header value for body at t.
func Sign(body, secret []byte, keyID string, t time.Time) string {
	ts := strconv.FormatInt(t.UnixMilli(), 10)
	return fmt.Sprintf("t=%s,v1=%s,kid=%s", ts, mac(ts, body, secret), keyID)
}

// Verify checks a signature header against body. Consumers call it with
// the secret for the header's kid.
func Verify(header string, body, secret []byte, tolerance time.Duration) error {
	return verifyAt(header, body, secret, tolerance, time.Now())
}

// KeyID extracts the kid of a header so consumers can pick the secret.
func KeyID(header string) (string, error) {
	parts, err := parseHeader(header)
	if err != nil {
		return "", err
	}
	return parts["kid"], nil
}

func verifyAt(header string, body, secret []byte, tolerance time.Duration, now time.Time) error {
	parts, err := parseHeader(header)
	if err != nil {
		return err
	}
	ts, sig := parts["t"], parts["v1"]
	if ts == "" || sig == "" {
		return ErrMalformedSignature
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMalformedSignature)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if d := now.Sub(time.UnixMilli(ms)); d > tolerance || d < -tolerance {
		return ErrStaleSignature
	}
	want := mac(ts, body, secret)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return ErrSignatureMismatch
	}
	return nil
}

func parseHeader(header string) (map[string]string, error) {
	if header == "" {
		return nil, ErrMalformedSignature
	}
	parts := make(map[string]string, 3)
	for _, pair := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedSignature, pair)
		}
		parts[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return parts, nil
}

func mac(ts string, body, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
