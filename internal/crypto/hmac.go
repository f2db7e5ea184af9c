package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature headers on pushed fills.
const (
	HeaderTimestamp = "X-Polylive-Timestamp"
	HeaderSignature = "X-Polylive-Signature"
)

// BodySigner signs and verifies webhook bodies as
// hex(HMAC-SHA256(secret, timestamp + "." + body)).
type BodySigner struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewBodySigner creates a signer. Timestamps further than skew from now are
// rejected.
func NewBodySigner(secret string, skew time.Duration) *BodySigner {
	return &BodySigner{secret: []byte(secret), skew: skew, now: time.Now}
}

// Sign returns the timestamp and signature headers for body.
func (s *BodySigner) Sign(body []byte) (ts, sig string) {
	ts = strconv.FormatInt(s.now().Unix(), 10)
	return ts, s.mac(ts, body)
}

// Verify checks a signature produced by Sign.
func (s *BodySigner) Verify(ts, sig string, body []byte) error {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: invalid timestamp %q", ts)
	}
	if d := s.now().Sub(time.Unix(sec, 0)); d > s.skew || d < -s.skew {
		return fmt.Errorf("crypto: timestamp outside %s window", s.skew)
	}

	want := s.mac(ts, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return fmt.Errorf("crypto: signature mismatch")
	}
	return nil
}

func (s *BodySigner) mac(ts string, body []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
