package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Verifier checks a webhook delivery's authenticity from its raw body and
// headers, before any parsing happens.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// NoopVerifier accepts everything. Used when no signing secret is
// configured.
type NoopVerifier struct{}

func (NoopVerifier) Verify(http.Header, []byte) error { return nil }

var (
	errMissingHeaders = errors.New("missing signature headers")
	errBadSignature   = errors.New("signature mismatch")
	errStaleTimestamp = errors.New("timestamp outside tolerance")
)

// SvixVerifier implements the svix webhook scheme the provider signs with:
// HMAC-SHA256 over "<id>.<timestamp>.<body>" keyed by the base64 part of a
// "whsec_..." secret, carried in the svix-id/svix-timestamp/svix-signature
// headers.
type SvixVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSvixVerifier(secret string) (*SvixVerifier, error) {
	encoded := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return &SvixVerifier{key: key, tolerance: 5 * time.Minute, now: time.Now}, nil
}

func (v *SvixVerifier) Verify(header http.Header, body []byte) error {
	id := header.Get("svix-id")
	timestamp := header.Get("svix-timestamp")
	signatures := header.Get("svix-signature")
	if id == "" || timestamp == "" || signatures == "" {
		return errMissingHeaders
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad svix-timestamp: %w", err)
	}
	if d := v.now().Sub(time.Unix(unix, 0)); d > v.tolerance || d < -v.tolerance {
		return errStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// the header may carry several space-separated versioned signatures
	for _, sig := range strings.Fields(signatures) {
		version, value, found := strings.Cut(sig, ",")
		if !found || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(value), []byte(expected)) {
			return nil
		}
	}
	return errBadSignature
}
