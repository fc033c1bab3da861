package tapo

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseRSAPublicKey(t *testing.T, pubPEM []byte) *rsa.PublicKey {
	t.Helper()
	block, _ := pem.Decode(pubPEM)
	require.NotNil(t, block)
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	pub, ok := keyAny.(*rsa.PublicKey)
	require.True(t, ok)
	return pub
}

// buildPKCS1v15Block constructs EB = 00 || 02 || PS || 00 || payload, where
// PS is non-zero filler long enough to make the block exactly keySize bytes.
func buildPKCS1v15Block(t *testing.T, keySize int, payload []byte) []byte {
	t.Helper()
	psLen := keySize - 3 - len(payload)
	require.GreaterOrEqual(t, psLen, 8)

	block := make([]byte, 0, keySize)
	block = append(block, 0x00, 0x02)
	for i := 0; i < psLen; i++ {
		block = append(block, 0x11) // any non-zero filler byte
	}
	block = append(block, 0x00)
	block = append(block, payload...)
	return block
}

// rsaEncryptNoPadding performs raw c = m^e mod n, mirroring the device
// side of the handshake that rsaNoPaddingDecrypt must invert.
func rsaEncryptNoPadding(t *testing.T, pub *rsa.PublicKey, block []byte) []byte {
	t.Helper()
	m := new(big.Int).SetBytes(block)
	e := big.NewInt(int64(pub.E))
	c := new(big.Int).Exp(m, e, pub.N)
	out := make([]byte, pub.Size())
	c.FillBytes(out)
	return out
}

func TestAES128CBC_RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plain := []byte(`{"method":"get_device_info"}`)

	ciphertext, err := aes128CBCEncrypt(key, iv, plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, ciphertext)

	decrypted, err := aes128CBCDecrypt(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
}

func TestAES128CBCDecrypt_RejectsBadPadding(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	ciphertext := make([]byte, 16) // all zero bytes decrypt to an invalid pad length
	_, err := aes128CBCDecrypt(key, iv, ciphertext)
	assert.Error(t, err)
}

func TestAES128CBCDecrypt_RejectsPartialBlock(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	_, err := aes128CBCDecrypt(key, iv, []byte("short"))
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestPKCS7PadUnpad_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		assert.Equal(t, 0, len(padded)%16)
		unpadded, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, unpadded)
	}
}

func TestRSANoPaddingDecrypt_RoundTripsAgainstOwnHandshakeKey(t *testing.T) {
	pubPEM, privPEM, err := rsaGenerate1024()
	require.NoError(t, err)
	require.NotEmpty(t, pubPEM)
	require.NotEmpty(t, privPEM)

	// Build a valid PKCS#1 v1.5 type-2 block by hand and encrypt it with the
	// public key the way a device would, then confirm the raw decrypt +
	// manual unpad recovers the original payload.
	payload := []byte("0123456789abcdef0123456789abcdef") // 16-byte key + 16-byte iv shape
	pub := mustParseRSAPublicKey(t, pubPEM)

	block := buildPKCS1v15Block(t, pub.Size(), payload)
	ciphertext := rsaEncryptNoPadding(t, pub, block)

	raw, err := rsaNoPaddingDecrypt(privPEM, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestPKCS1v15UnpadRaw_RejectsShortPadding(t *testing.T) {
	// Separator at index < 10 violates the 8-byte minimum padding string.
	block := append([]byte{0x00, 0x02, 0x01, 0x02, 0x03, 0x00}, []byte("data")...)
	_, err := pkcs1v15UnpadRaw(block)
	assert.ErrorIs(t, err, ErrHandshakeInvalid)
}

func TestPKCS1v15UnpadRaw_RejectsBadHeader(t *testing.T) {
	block := append([]byte{0x00, 0x01}, make([]byte, 16)...)
	_, err := pkcs1v15UnpadRaw(block)
	assert.ErrorIs(t, err, ErrHandshakeInvalid)
}
