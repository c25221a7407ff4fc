package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tienda-labs/pasarela/internal/payment"
)

// Mercado Pago signs webhooks with an HMAC-SHA256 over a canonical manifest
// built from the notification's data id, the x-request-id header and the
// timestamp embedded in the x-signature header:
//
//	id:<dataID>;request-id:<requestID>;ts:<ts>;
//
// The x-signature header carries comma-separated key=value pairs, of which
// ts and v1 (the hex digest) matter.

// VerifySignature checks the webhook signature headers against the secret.
// The caller is responsible for skipping verification when no secret is
// configured.
func VerifySignature(headers http.Header, dataID, secret string) error {
	ts, digest := parseSignatureHeader(headers.Get("x-signature"))
	if ts == "" || digest == "" {
		return fmt.Errorf("%w: malformed x-signature header", payment.ErrAuthenticity)
	}
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, headers.Get("x-request-id"), ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", payment.ErrAuthenticity)
	}
	if !hmac.Equal(expected, provided) {
		return payment.ErrAuthenticity
	}
	return nil
}

// parseSignatureHeader extracts ts and v1 from "ts=...,v1=...". Unknown pairs
// are ignored for forward compatibility.
func parseSignatureHeader(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(val)
		case "v1":
			v1 = strings.TrimSpace(val)
		}
	}
	return ts, v1
}
