package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Locals keys set by AuthMiddleware
const (
	LocalUserID   = "userID"
	LocalUsername = "username"
	LocalClaims   = "claims"
)

// AuthMiddleware JWT 인증 미들웨어. The token is taken from the
// Authorization header, the access_token cookie, or the token query
// parameter (browsers cannot set headers on a WebSocket handshake).
func AuthMiddleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := extractToken(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		// 토큰 검증
		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		// 사용자 정보를 컨텍스트에 저장
		c.Locals(LocalUserID, claims.UserID)
		c.Locals(LocalUsername, claims.Username)
		c.Locals(LocalClaims, claims)

		return c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside AuthMiddleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}

// Username returns the authenticated username, or "".
func Username(c *fiber.Ctx) string {
	name, _ := c.Locals(LocalUsername).(string)
	return name
}

func extractToken(c *fiber.Ctx) (string, error) {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		// Bearer 토큰 파싱
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if cookie := c.Cookies("access_token"); cookie != "" {
		return cookie, nil
	}
	if query := c.Query("token"); query != "" {
		return query, nil
	}
	return "", errors.New("missing authorization token")
}
