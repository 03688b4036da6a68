package tempest

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionKeyLen is the AES-256 key size; sessionAuthKeyLen matches it
// since HMAC-SHA256 keys are conventionally sized to the hash's block
// rate but any length works -- 32 bytes keeps both derivations
// uniform.
const (
	sessionKeyLen     = 32
	sessionAuthKeyLen = 32
)

// deriveSessionCrypto expands the single shared secret established by
// the handshake (the client-generated AES session key carried inside
// FinalConnectMessage.EncryptedSessionKey) into four independent,
// direction-scoped keys using HKDF-SHA256 (spec.md §4.E: "the session
// key material derives separate client->server and server->client
// keys so that a leaked outbound key never exposes inbound traffic").
//
// isServer flips which direction is "send" and which is "recv" for
// the given peer.
func deriveSessionCrypto(sharedSecret []byte, isServer bool) (*sessionCrypto, error) {
	c2s, err := hkdfExpand(sharedSecret, "tempest client-to-server", sessionKeyLen+sessionAuthKeyLen)
	if err != nil {
		return nil, err
	}
	s2c, err := hkdfExpand(sharedSecret, "tempest server-to-client", sessionKeyLen+sessionAuthKeyLen)
	if err != nil {
		return nil, err
	}

	c2sEnc, c2sAuth := c2s[:sessionKeyLen], c2s[sessionKeyLen:]
	s2cEnc, s2cAuth := s2c[:sessionKeyLen], s2c[sessionKeyLen:]

	if isServer {
		return &sessionCrypto{
			sendEncKey: s2cEnc, sendAuthKey: s2cAuth,
			recvEncKey: c2sEnc, recvAuthKey: c2sAuth,
		}, nil
	}
	return &sessionCrypto{
		sendEncKey: c2sEnc, sendAuthKey: c2sAuth,
		recvEncKey: s2cEnc, recvAuthKey: s2cAuth,
	}, nil
}

func hkdfExpand(secret []byte, info string, n int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
