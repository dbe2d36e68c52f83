package apiserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken and ErrExpiredToken mirror the token-service errors the
// pack's own HS256 JWT helpers return, distinguishing a malformed/wrongly
// signed token from one that is simply expired.
var (
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrExpiredToken = errors.New("bearer token expired")
)

// Claims is the bearer token payload; Subject is the authenticated
// caller's identity, used as the default source of facts it sets.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 bearer tokens (spec SPEC_FULL
// §4.11 "authenticated with a bearer token validated via golang-jwt/jwt/v5").
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService builds a TokenService. secret must be non-empty.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	if expiration == 0 {
		expiration = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiration: expiration, issuer: "ruleflow/apiserver"}
}

// Issue mints a bearer token for subject (typically a service/operator id).
func (s *TokenService) Issue(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies tokenString, rejecting anything not signed
// with HMAC (spec's bearer-token requirement) or expired.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireBearerToken is gin middleware enforcing "Authorization: Bearer
// <token>" against svc.
func RequireBearerToken(svc *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := svc.Validate(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(subjectContextKey, claims.Subject)
		c.Next()
	}
}

const subjectContextKey = "ruleflow.subject"

// Subject returns the authenticated caller's identity set by
// RequireBearerToken, or "" outside an authenticated request.
func Subject(c *gin.Context) string {
	v, _ := c.Get(subjectContextKey)
	s, _ := v.(string)
	return s
}
