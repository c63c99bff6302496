package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader    = "X-Signature"
	signatureTolerance = 5 * time.Minute
)

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
	errStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// SignPayload returns the X-Signature header value for body at time t.
func SignPayload(secret []byte, body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(computeSignature(secret, ts, body)))
}

// verifySignature checks a "t=<unix>,v1=<hex>" header. Several v1 entries are
// accepted so the provider can rotate secrets.
func verifySignature(secret []byte, header string, body []byte, now time.Time) error {
	if header == "" {
		return errMissingSignature
	}

	var ts string
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			if sig, err := hex.DecodeString(value); err == nil {
				candidates = append(candidates, sig)
			}
		}
	}
	if ts == "" || len(candidates) == 0 {
		return errMissingSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", errMissingSignature)
	}
	if d := now.Sub(time.Unix(unix, 0)); d > signatureTolerance || d < -signatureTolerance {
		return errStaleSignature
	}

	expected := computeSignature(secret, ts, body)
	for _, sig := range candidates {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return errBadSignature
}

func computeSignature(secret []byte, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
