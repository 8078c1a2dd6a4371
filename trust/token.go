package trust

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// tokenLifetime is how long an issued trust token stays valid
const tokenLifetime = 24 * time.Hour

// TokenClaims is the payload of a signed trust token. The reputation score
// and trust level are a snapshot at issuance, not live values.
type TokenClaims struct {
	Role            string     `json:"role"`
	ReputationScore int        `json:"reputation_score"`
	TrustLevel      TrustLevel `json:"trust_level"`
	jwt.RegisteredClaims
}

// IssueToken signs a trust token carrying the agent's current reputation
// snapshot. Verifiers can gate on the embedded score without calling back
// into the engine.
func (e *Engine) IssueToken(ctx context.Context, agentID types.AgentID, role types.AgentType) (string, error) {
	if e.cfg.TokenSecret == "" {
		return "", types.NewConfigError("trust token secret is not configured")
	}

	info, err := e.Info(ctx, agentID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := TokenClaims{
		Role:            string(role),
		ReputationScore: info.Score,
		TrustLevel:      info.TrustLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(e.cfg.TokenSecret))
	if err != nil {
		return "", types.NewAuthError("failed to sign trust token")
	}
	return signed, nil
}

// VerifyToken parses and verifies a trust token. Only HS256 signatures are
// accepted; expired or tampered tokens fail with an auth error.
func (e *Engine) VerifyToken(tokenString string) (*TokenClaims, error) {
	if e.cfg.TokenSecret == "" {
		return nil, types.NewConfigError("trust token secret is not configured")
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.NewAuthError("unexpected token signing method")
		}
		return []byte(e.cfg.TokenSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, types.NewAuthError("invalid trust token")
	}
	return claims, nil
}
