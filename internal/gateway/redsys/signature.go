package redsys

import (
	"crypto/cipher"
	"crypto/des" //nolint:gosec // Redsys mandates 3DES key diversification
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Redsys signs the merchant parameters blob with HMAC-SHA256 under a
// per-order key: the merchant secret (itself base64) 3DES-CBC-encrypts the
// order number with a zero IV, and the resulting ciphertext is the HMAC key.

var zeroIV = make([]byte, des.BlockSize)

// deriveOrderKey diversifies the shared secret with the order number.
func deriveOrderKey(secretBase64, order string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(secretBase64)
	if err != nil {
		return nil, fmt.Errorf("redsys: secret key is not valid base64: %w", err)
	}
	if len(secret) != 24 {
		return nil, errors.New("redsys: secret key must decode to 24 bytes")
	}
	block, err := des.NewTripleDESCipher(secret) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("redsys: init 3DES: %w", err)
	}
	plain := zeroPad([]byte(order), des.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(out, plain)
	return out, nil
}

// Sign produces the standard-alphabet base64 signature for an outbound
// merchant parameters blob.
func Sign(merchantParams, order, secretBase64 string) (string, error) {
	mac, err := computeMAC(merchantParams, order, secretBase64)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac), nil
}

// VerifyNotification checks an inbound notification signature. The order
// number is read from the decoded blob itself, as the gateway does. The
// comparison is constant-time; any structural failure simply reports false.
func VerifyNotification(merchantParams, signature, secretBase64 string) bool {
	params, err := DecodeMerchantParameters(merchantParams)
	if err != nil {
		return false
	}
	order := paramString(params, FieldOrder)
	if order == "" {
		return false
	}
	expected, err := computeMAC(merchantParams, order, secretBase64)
	if err != nil {
		return false
	}
	provided, err := decodeBase64Flexible(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

func computeMAC(merchantParams, order, secretBase64 string) ([]byte, error) {
	key, err := deriveOrderKey(secretBase64, order)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(merchantParams))
	return mac.Sum(nil), nil
}

func zeroPad(data []byte, blockSize int) []byte {
	rem := len(data) % blockSize
	if rem == 0 && len(data) > 0 {
		return data
	}
	padded := make([]byte, len(data)+blockSize-rem)
	copy(padded, data)
	return padded
}
