package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalLobbyID 검증된 로비 ID 컨텍스트 키
const LocalLobbyID = "lobbyID"

// MaxLobbyIDLength 로비 ID 최대 길이
const MaxLobbyIDLength = 128

var (
	ErrLobbyIDRequired = errors.New("lobby ID is required")
	ErrLobbyIDTooLong  = errors.New("lobby ID is too long")
	ErrLobbyIDInvalid  = errors.New("lobby ID may only contain letters, digits, '-' and '_'")
)

// ValidateLobbyID lobby ids end up inside change-feed filters
// (lobby_id=eq.<id>) and Redis keys, so only a safe charset is accepted.
func ValidateLobbyID(lobbyID string) error {
	if lobbyID == "" {
		return ErrLobbyIDRequired
	}
	if len(lobbyID) > MaxLobbyIDLength {
		return ErrLobbyIDTooLong
	}
	for _, r := range lobbyID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrLobbyIDInvalid
		}
	}
	return nil
}

// RequireLobby :lobbyId 경로 파라미터 검증
func RequireLobby() fiber.Handler {
	return func(c *fiber.Ctx) error {
		lobbyID := c.Params("lobbyId")
		if err := ValidateLobbyID(lobbyID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		// fasthttp 버퍼 재사용 대비 복사
		c.Locals(LocalLobbyID, strings.Clone(lobbyID))
		return c.Next()
	}
}

// LobbyID 컨텍스트에서 로비 ID 조회
func LobbyID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalLobbyID).(string)
	return id
}
