package broker

import (
	"crypto/rand"
	"math/big"
)

const (
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength   = 16
)

// newClientToken mints a random token from the configured alphabet.
func newClientToken() (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, tokenLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b), nil
}

// mintToken mints a client token that is unique among live entries.
func (s *Server) mintToken() (string, error) {
	for {
		token, err := newClientToken()
		if err != nil {
			return "", err
		}
		if !s.tokens.Contains(token) {
			return token, nil
		}
	}
}
