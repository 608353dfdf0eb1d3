package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const (
	statusHealthy       = "healthy"
	statusUnhealthy     = "unhealthy"
	statusNotConfigured = "not_configured"

	probeTimeout = 2 * time.Second
)

// Pinger Redis 등 ping 가능한 의존성
type Pinger interface {
	Ping(ctx context.Context) error
}

// probe one named dependency. A nil ping means not configured.
type probe struct {
	name     string
	ping     func(ctx context.Context) error
	failure  string
	required bool // readiness에 포함
}

// HealthHandler 헬스체크 핸들러
type HealthHandler struct {
	probes []probe
}

// NewHealthHandler HealthHandler 생성. db and redis may be nil.
func NewHealthHandler(db *gorm.DB, redis Pinger) *HealthHandler {
	dbProbe := probe{name: "database", failure: "database ping failed", required: true}
	if db != nil {
		dbProbe.ping = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}

	redisProbe := probe{name: "redis", failure: "redis ping failed"}
	if redis != nil {
		redisProbe.ping = redis.Ping
	}

	return &HealthHandler{probes: []probe{dbProbe, redisProbe}}
}

// ComponentCheck 컴포넌트 상태
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse 헬스체크 응답
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

func (p probe) run(ctx context.Context) ComponentCheck {
	if p.ping == nil {
		return ComponentCheck{Status: statusNotConfigured}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	if err := p.ping(ctx); err != nil {
		return ComponentCheck{Status: statusUnhealthy, Error: p.failure}
	}
	return ComponentCheck{Status: statusHealthy, Latency: time.Since(start).String()}
}

// Check 전체 상태 확인 (DB + Redis)
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    statusHealthy,
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck, len(h.probes)),
	}
	for _, p := range h.probes {
		check := p.run(c.UserContext())
		response.Checks[p.name] = check
		if check.Status == statusUnhealthy {
			response.Status = statusUnhealthy
		}
	}

	if response.Status == statusUnhealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}
	return c.JSON(response)
}

// Liveness K8s liveness probe용 (단순 체크)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness K8s readiness probe용 (필수 의존성만)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	for _, p := range h.probes {
		if p.required && p.run(c.UserContext()).Status == statusUnhealthy {
			return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
		}
	}
	return c.SendString("READY")
}
