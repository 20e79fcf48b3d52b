package auth

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// codeChallengeMethodS256 is the only code challenge method SMART App Launch
// permits; "plain" is never sent.
const codeChallengeMethodS256 = "S256"

// newPKCEPair generates a fresh RFC 7636 code verifier and its S256
// challenge.
func newPKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// generateRandomHex generates a cryptographically random hex string of n bytes.
func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
