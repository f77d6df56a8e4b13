// Package signing verifies voter-signed vote tokens.
//
// A signed vote carries an HS256 JWT whose claims bind the token to one
// action, one voter (sub) and one choice, so a captured token cannot be
// replayed as a different vote.
package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

var (
	ErrSignatureRequired = errors.New("signing: vote signature required")
	ErrInvalidSignature  = errors.New("signing: invalid vote signature")
)

// VoteClaims are the claims of a signed vote token.
type VoteClaims struct {
	ActionID string `json:"action_id"`
	Vote     string `json:"vote"`
	jwt.RegisteredClaims
}

// Verifier checks vote tokens against a shared secret. A nil *Verifier
// accepts every vote.
type Verifier struct {
	secret  []byte
	require bool
}

// NewVerifier returns nil when secret is empty, disabling verification.
func NewVerifier(secret []byte, require bool) *Verifier {
	if len(secret) == 0 {
		return nil
	}
	return &Verifier{secret: secret, require: require}
}

// Required reports whether unsigned votes are refused.
func (v *Verifier) Required() bool {
	return v != nil && v.require
}

// Verify checks token for a vote by voterID on actionID.
func (v *Verifier) Verify(token, actionID, voterID string, choice contracts.VoteChoice) error {
	if v == nil {
		return nil
	}
	if token == "" {
		if v.require {
			return ErrSignatureRequired
		}
		return nil
	}

	claims := &VoteClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(voterID),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return ErrInvalidSignature
	}
	if claims.ActionID != actionID {
		return fmt.Errorf("%w: token is for action %q", ErrInvalidSignature, claims.ActionID)
	}
	if contracts.VoteChoice(claims.Vote) != choice {
		return fmt.Errorf("%w: token signs vote %q, got %q", ErrInvalidSignature, claims.Vote, choice)
	}
	return nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return v.secret, nil
}

// Sign issues a vote token. Voter clients and tests use it; the engine
// only verifies. A zero ttl issues a token without expiry.
func Sign(secret []byte, actionID, voterID string, choice contracts.VoteChoice, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := VoteClaims{
		ActionID: actionID,
		Vote:     string(choice),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  voterID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
