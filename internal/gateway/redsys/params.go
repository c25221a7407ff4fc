package redsys

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tienda-labs/pasarela/internal/payment"
)

// Redsys transports every transaction field as one opaque base64 blob of JSON,
// the "merchant parameters". Outbound form posts use the standard alphabet;
// notifications come back url-safe encoded, frequently without padding.

// Field names inside the merchant parameters blob.
const (
	FieldAmount          = "Ds_Amount"
	FieldOrder           = "Ds_Order"
	FieldResponse        = "Ds_Response"
	FieldMerchantCode    = "Ds_MerchantCode"
	FieldCurrency        = "Ds_Currency"
	FieldTerminal        = "Ds_Terminal"
	FieldTransactionType = "Ds_TransactionType"
	FieldAuthCode        = "Ds_AuthorisationCode"
	FieldDate            = "Ds_Date"
	FieldHour            = "Ds_Hour"
)

// Envelope field names on the notification itself.
const (
	EnvelopeSignatureVersion = "Ds_SignatureVersion"
	EnvelopeParameters       = "Ds_MerchantParameters"
	EnvelopeSignature        = "Ds_Signature"
)

// SignatureVersion is the only scheme Redsys currently emits.
const SignatureVersion = "HMAC_SHA256_V1"

// EncodeMerchantParameters serialises the field map into the standard-alphabet
// base64 blob used for outbound redirect forms.
func EncodeMerchantParameters(params map[string]any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", &payment.DecodeError{Provider: "redsys", Reason: "encode merchant parameters", Err: err}
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeMerchantParameters decodes a merchant parameters blob into a flat
// field map. Unknown fields are preserved as-is for forward compatibility.
func DecodeMerchantParameters(blob string) (map[string]any, error) {
	raw, err := decodeBase64Flexible(blob)
	if err != nil {
		return nil, &payment.DecodeError{Provider: "redsys", Reason: "invalid base64 blob", Err: err}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &payment.DecodeError{Provider: "redsys", Reason: "blob is not a JSON object", Err: err}
	}
	return params, nil
}

// decodeBase64Flexible accepts both alphabets with or without padding, since
// Redsys uses the url-safe variant for notifications and the standard one for
// redirect forms.
func decodeBase64Flexible(blob string) ([]byte, error) {
	blob = strings.TrimSpace(blob)
	normalized := strings.NewReplacer("-", "+", "_", "/").Replace(blob)
	if raw, err := base64.StdEncoding.DecodeString(normalized); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(normalized, "="))
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		// Some fields arrive as bare JSON numbers depending on the terminal.
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
