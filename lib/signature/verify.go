// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signature authenticates forge webhook deliveries.
//
// Gitea, Forgejo, Gogs, and GitHub all sign the raw request body with
// HMAC-SHA256 over a shared secret and send the hex digest in a
// forge-specific header. A [Verifier] checks that digest before the
// body is parsed. A Verifier without a secret accepts everything; one
// with a secret rejects requests that carry no signature at all.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Headers lists the signature headers in lookup order. The first
// non-empty one is used.
var Headers = []string{
	"X-Gitea-Signature",
	"X-Hub-Signature-256",
	"X-Gogs-Signature",
}

var (
	// ErrMissingSignature is returned when a secret is configured and
	// the request carries none of the signature headers.
	ErrMissingSignature = errors.New("webhook signature: no signature header")

	// ErrSignatureMismatch is returned when the digest does not match
	// the body. The expected digest is never included.
	ErrSignatureMismatch = errors.New("webhook signature: signature mismatch")
)

// Verifier checks webhook signatures against one shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret. A nil or empty secret
// puts the Verifier in open mode.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Required reports whether requests must be signed.
func (v *Verifier) Required() bool {
	return len(v.secret) > 0
}

// Verify checks the signature carried in header against body.
func (v *Verifier) Verify(body []byte, header http.Header) error {
	if !v.Required() {
		return nil
	}

	provided := ""
	for _, name := range Headers {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			provided = value
			break
		}
	}
	if provided == "" {
		return ErrMissingSignature
	}
	provided = strings.TrimPrefix(provided, "sha256=")

	expected := Sign(v.secret, body)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(provided)), []byte(expected)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of body under secret, in
// the form forges put in their signature headers (without a prefix).
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
