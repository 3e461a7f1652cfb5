package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider webhook headers (svix convention).
const (
	headerWebhookID        = "webhook-id"
	headerWebhookTimestamp = "webhook-timestamp"
	headerWebhookSignature = "webhook-signature"
)

// timestampTolerance rejects replayed webhook deliveries.
const timestampTolerance = 5 * time.Minute

const secretPrefix = "whsec_"

// verifySignature checks the provider HMAC: SHA-256 over
// "{id}.{timestamp}.{body}" keyed with the base64 payload of a
// whsec_-prefixed secret. The signature header may carry several
// space-separated "v1,<base64>" entries; any one matching passes.
func verifySignature(secret, id, timestamp string, body []byte, sigHeader string) error {
	if id == "" || timestamp == "" || sigHeader == "" {
		return fmt.Errorf("missing signature headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if drift := time.Since(time.Unix(ts, 0)); drift > timestampTolerance || drift < -timestampTolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return fmt.Errorf("invalid webhook secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, entry := range strings.Fields(sigHeader) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}
