package redsys

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tienda-labs/pasarela/internal/payment"
)

func TestMerchantParametersRoundTrip(t *testing.T) {
	in := map[string]any{
		FieldOrder:    "cart_123",
		FieldAmount:   "2599",
		FieldResponse: "0",
	}
	blob, err := EncodeMerchantParameters(in)
	require.NoError(t, err)

	out, err := DecodeMerchantParameters(blob)
	require.NoError(t, err)
	assert.Equal(t, "cart_123", paramString(out, FieldOrder))
	assert.Equal(t, "2599", paramString(out, FieldAmount))
	assert.Equal(t, "0", paramString(out, FieldResponse))
}

func TestDecodeMerchantParametersURLSafeNoPadding(t *testing.T) {
	// Notifications arrive url-safe encoded, often stripped of padding.
	raw := []byte(`{"Ds_Order":"cart_9","Ds_Response":"0000"}`)
	blob := base64.RawURLEncoding.EncodeToString(raw)

	out, err := DecodeMerchantParameters(blob)
	require.NoError(t, err)
	assert.Equal(t, "cart_9", paramString(out, FieldOrder))
	assert.Equal(t, "0000", paramString(out, FieldResponse))
}

func TestDecodeMerchantParametersRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not base64":  "%%%not-base64%%%",
		"not json":    base64.StdEncoding.EncodeToString([]byte("plain text")),
		"json array":  base64.StdEncoding.EncodeToString([]byte(`[1,2,3]`)),
		"json string": base64.StdEncoding.EncodeToString([]byte(`"hello"`)),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMerchantParameters(blob)
			require.Error(t, err)
			assert.True(t, payment.IsDecodeError(err))
		})
	}
}

func TestParamStringToleratesNumericValues(t *testing.T) {
	params, err := DecodeMerchantParameters(
		base64.StdEncoding.EncodeToString([]byte(`{"Ds_Order":"x","Ds_Response":9915,"extra":true}`)))
	require.NoError(t, err)
	assert.Equal(t, "9915", paramString(params, FieldResponse))
	assert.Equal(t, "", paramString(params, "extra"))
	assert.Equal(t, "", paramString(params, "absent"))
	assert.Equal(t, "", paramString(nil, FieldOrder))
}
