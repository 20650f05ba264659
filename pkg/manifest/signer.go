package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
)

// Signer produces the actor signature stamped on every manifest at
// proposal time.
type Signer interface {
	Sign(actor string, s Proposal, createdAt time.Time) (string, error)
}

// DigestSigner is the default scheme: SHA-256 over the RFC 8785
// canonical JSON of the identifying fields. It is a deterministic
// integrity marker, not tamper evidence — deployments that need the
// latter should use JWTSigner or an asymmetric scheme.
type DigestSigner struct{}

func (DigestSigner) Sign(actor string, p Proposal, createdAt time.Time) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"actor":      actor,
		"scope":      string(p.Scope),
		"target":     p.Target,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("signature material: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("signature canonicalization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// JWTSigner emits the manifest assertion as a signed HS256 token, so a
// runner holding the shared key can verify the manifest was issued by
// this control plane and not altered in the spool.
type JWTSigner struct {
	Key []byte
}

func (s JWTSigner) Sign(actor string, p Proposal, createdAt time.Time) (string, error) {
	if len(s.Key) == 0 {
		return "", fmt.Errorf("jwt signer: empty key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    actor,
		"scope":  string(p.Scope),
		"target": p.Target,
		"iat":    createdAt.UTC().Unix(),
	})
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("jwt signer: %w", err)
	}
	return signed, nil
}

// VerifyAssertion checks a JWTSigner-issued signature and returns its
// claims. Used by runners before acting on a spooled job.
func (s JWTSigner) VerifyAssertion(signature string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("assertion verify: %w", err)
	}
	return claims, nil
}
