package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is set on every token minted by JWTService.
const Issuer = "livefeed"

// Claims identify a socket or publish client. Topics limits which topics the
// holder may subscribe to; an empty list allows every topic.
type Claims struct {
	UserID string   `json:"sub"`
	Topics []string `json:"topics,omitempty"`
	jwt.RegisteredClaims
}

// AllowsTopic reports whether the claims grant topic. A pattern ending in "*"
// matches every topic with that prefix.
func (c *Claims) AllowsTopic(topic string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	for _, p := range c.Topics {
		if p == topic {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(topic, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

type JWTService struct {
	secretKey      []byte
	accessDuration time.Duration
}

func NewJWTService(secretKey string) *JWTService {
	return &JWTService{
		secretKey:      []byte(secretKey),
		accessDuration: 15 * time.Minute,
	}
}

// GenerateToken signs a token for userID scoped to topics. A ttl of zero uses
// the default access duration.
func (j *JWTService) GenerateToken(userID string, topics []string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = j.accessDuration
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Topics: topics,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
