package tempest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
)

// rsaCrypto is the default PublicKeyCrypto (spec.md §4.E): RSA-4096
// keys, PSS-SHA256 signatures, OAEP-SHA256 encryption. The same
// implementation backs both the server's authentication keypair and
// its encryption keypair -- they're simply two independently
// generated RSA keys.
type rsaCrypto struct{}

func (rsaCrypto) KeyType() byte { return KeyTypeRSA4096 }

// SignatureLength is the RSA-4096 modulus size: PSS/PKCS1v15
// signatures are exactly one modulus-width wide.
func (rsaCrypto) SignatureLength() int { return 512 }

func (rsaCrypto) GenerateKeyPair(rnd io.Reader) (priv, pub interface{}, err error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	key, err := rsa.GenerateKey(rnd, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("tempest: generate rsa key: %w", err)
	}
	return key, &key.PublicKey, nil
}

func (rsaCrypto) MarshalPublicKey(pub interface{}) ([]byte, error) {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("tempest: not an rsa public key")
	}
	return x509.MarshalPKCS1PublicKey(key), nil
}

func (rsaCrypto) ParsePublicKey(b []byte) (interface{}, error) {
	key, err := x509.ParsePKCS1PublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("tempest: parse rsa public key: %w", err)
	}
	return key, nil
}

func (rsaCrypto) Sign(priv interface{}, data []byte) ([]byte, error) {
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("tempest: not an rsa private key")
	}
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
}

func (rsaCrypto) Verify(pub interface{}, data, sig []byte) bool {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, nil) == nil
}

func (rsaCrypto) Encrypt(pub interface{}, plaintext []byte) ([]byte, error) {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("tempest: not an rsa public key")
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, key, plaintext, nil)
}

func (rsaCrypto) Decrypt(priv interface{}, ciphertext []byte) ([]byte, error) {
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("tempest: not an rsa private key")
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
}
