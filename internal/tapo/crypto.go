package tapo

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
)

// md5Sum, sha1Sum and sha256Sum wrap the stdlib hash constructors so the
// session engines can chain digests without repeating the New()/Write()/
// Sum(nil) dance at every call site.
func md5Sum(parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func sha1Sum(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func sha256Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// aes128CBCEncrypt PKCS7-pads plain and encrypts it under AES-128-CBC.
func aes128CBCEncrypt(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: new cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// aes128CBCDecrypt decrypts an AES-128-CBC ciphertext and strips PKCS7
// padding.
func aes128CBCDecrypt(key, iv, encrypted []byte) ([]byte, error) {
	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not a multiple of the block size", ErrProtocolError)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: new cipher: %w", err)
	}
	out := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, encrypted)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrProtocolError)
	}
	padding := int(data[n-1])
	if padding == 0 || padding > n {
		return nil, fmt.Errorf("%w: invalid PKCS7 padding", ErrProtocolError)
	}
	for i := 0; i < padding; i++ {
		if data[n-1-i] != byte(padding) {
			return nil, fmt.Errorf("%w: invalid PKCS7 padding", ErrProtocolError)
		}
	}
	return data[:n-padding], nil
}

// rsaGenerate1024 generates a fresh RSA-1024 keypair and returns the public
// key as an SPKI PEM block and the private key as a PKCS8 PEM block, the
// exact encodings the device handshake expects.
func rsaGenerate1024() (pubPEM, privPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa: generate key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa: marshal public key: %w", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa: marshal private key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	return pubPEM, privPEM, nil
}

// rsaNoPaddingDecrypt performs a raw RSA decryption (m = c^d mod n, no
// padding scheme applied by the math) and then manually strips PKCS#1 v1.5
// type-2 padding, exactly as device firmwares require. Go's
// rsa.DecryptPKCS1v15 cannot be used here: it performs its own
// constant-time unpadding and never exposes the raw block, so a malformed
// or non-conformant padding (which some firmwares produce) would be
// rejected before we get a chance to look at it.
func rsaNoPaddingDecrypt(privPEM, ciphertext []byte) ([]byte, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: malformed private key PEM", ErrHandshakeInvalid)
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrHandshakeInvalid, err)
	}
	priv, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrHandshakeInvalid)
	}

	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(priv.N) >= 0 {
		return nil, fmt.Errorf("%w: ciphertext out of range", ErrHandshakeInvalid)
	}
	m := new(big.Int).Exp(c, priv.D, priv.N)

	k := (priv.N.BitLen() + 7) / 8
	raw := make([]byte, k)
	m.FillBytes(raw)

	return pkcs1v15UnpadRaw(raw)
}

// pkcs1v15UnpadRaw strips a PKCS#1 v1.5 type-2 encryption block by hand:
// EB = 00 || 02 || PS || 00 || D, where PS is at least 8 non-zero bytes.
// The spec requires the zero separator to be located at index >= 10 (the
// 2-byte header plus an 8-byte minimum padding string).
func pkcs1v15UnpadRaw(block []byte) ([]byte, error) {
	if len(block) < 11 || block[0] != 0x00 || block[1] != 0x02 {
		return nil, fmt.Errorf("%w: malformed PKCS1v15 block header", ErrHandshakeInvalid)
	}
	sep := bytes.IndexByte(block[2:], 0x00)
	if sep < 0 {
		return nil, fmt.Errorf("%w: no PKCS1v15 separator", ErrHandshakeInvalid)
	}
	sep += 2
	if sep < 10 {
		return nil, fmt.Errorf("%w: PKCS1v15 padding too short", ErrHandshakeInvalid)
	}
	return block[sep+1:], nil
}
