package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bazaar/api/pkg/response"
)

const tokenIssuer = "bazaar-api"

var errNoToken = errors.New("missing token")

// AuthMiddleware verifies the HS256 tokens issued to buyers and artists
type AuthMiddleware struct {
	jwtSecret []byte
	ttl       time.Duration
}

// UserClaims identifies the party making a request
type UserClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware creates the middleware. Tokens from GenerateToken expire
// after ttl; zero means they never do.
func NewAuthMiddleware(jwtSecret string, ttl time.Duration) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: []byte(jwtSecret), ttl: ttl}
}

// Authenticate validates the bearer token and stores the caller's user id.
// Browsers cannot set headers on a websocket upgrade, so upgrades may carry
// the token in the token query parameter instead.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw, err := bearerToken(c)
		if err != nil {
			return response.Unauthorized(c, err.Error())
		}

		claims, err := m.parse(raw)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", claims.UserID)
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		if websocket.IsWebSocketUpgrade(c) && c.Query("token") != "" {
			return c.Query("token"), nil
		}
		return "", errNoToken
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errors.New("invalid authorization header format")
	}
	return token, nil
}

func (m *AuthMiddleware) parse(raw string) (*UserClaims, error) {
	claims := &UserClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GenerateToken signs a token for userID
func (m *AuthMiddleware) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}
