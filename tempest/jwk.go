package tempest

import (
	"crypto/rsa"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ExportPublicKeyJWK encodes pub as a JSON Web Key, letting an
// operator persist or rotate a server's public keys out of band
// (e.g. publishing them for clients to pin) instead of only ever
// handing them out inline during a handshake.
func ExportPublicKeyJWK(keyType byte, pub interface{}) ([]byte, error) {
	switch keyType {
	case KeyTypeRSA4096:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("tempest: not an rsa public key")
		}
		key, err := jwk.FromRaw(rsaPub)
		if err != nil {
			return nil, fmt.Errorf("tempest: build jwk: %w", err)
		}
		return jwkMarshal(key)

	case KeyTypeCirclEd25519X25519:
		var raw []byte
		switch k := pub.(type) {
		case circlSignKeyPair:
			raw = []byte(k.pub)
		case circlBoxKeyPair:
			raw = k.pub[:]
		default:
			return nil, fmt.Errorf("tempest: not a circl ed25519 or x25519 public key")
		}
		key, err := jwk.FromRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("tempest: build jwk: %w", err)
		}
		return jwkMarshal(key)

	default:
		return nil, fmt.Errorf("tempest: unknown key type %d", keyType)
	}
}

func jwkMarshal(key jwk.Key) ([]byte, error) {
	b, err := jwk.MarshalJSON(key)
	if err != nil {
		return nil, fmt.Errorf("tempest: marshal jwk: %w", err)
	}
	return b, nil
}

// ImportPublicKeyJWK reverses ExportPublicKeyJWK for the RSA key
// type; raw-octet JWKs (circl's Ed25519 export) use ParseSignPublicKey
// directly since jwx's OKP support doesn't model Ed25519 key material
// the way this package's circlSignKeyPair does.
func ImportPublicKeyJWK(data []byte) (interface{}, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("tempest: parse jwk: %w", err)
	}
	var rsaPub rsa.PublicKey
	if err := key.Raw(&rsaPub); err != nil {
		return nil, fmt.Errorf("tempest: jwk is not an rsa public key: %w", err)
	}
	return &rsaPub, nil
}
