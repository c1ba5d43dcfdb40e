// Package webhook signs, verifies and delivers automation webhooks.
//
// Deliveries carry X-Webhook-Timestamp (epoch milliseconds) and
// X-Webhook-Signature ("sha256=" + hex HMAC-SHA256 of "{timestamp}.{body}").
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderDelivery  = "X-Webhook-Delivery"

	signaturePrefix = "sha256="

	// DefaultTolerance is the accepted clock skew for delivery timestamps.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidTimestamp = errors.New("invalid webhook timestamp")
	ErrExpiredTimestamp = errors.New("webhook timestamp outside tolerance")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Timestamp formats t as epoch milliseconds.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func mac(secret, timestamp string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(timestamp))
	m.Write([]byte("."))
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the X-Webhook-Signature value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify checks signature and timestamp headers against body. A non-positive
// tolerance uses DefaultTolerance.
func Verify(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	// compared in milliseconds: a Duration between far-apart instants saturates
	nowMs, tolMs := now.UnixMilli(), tolerance.Milliseconds()
	if ms < nowMs-tolMs || ms > nowMs+tolMs {
		return ErrExpiredTimestamp
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, mac(secret, strings.TrimSpace(timestamp), body)) {
		return ErrInvalidSignature
	}
	return nil
}
