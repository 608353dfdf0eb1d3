package server

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"atrium-realtime/internal/auth"
	"atrium-realtime/internal/config"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/handler"
	"atrium-realtime/internal/middleware"
	"atrium-realtime/internal/storage"
)

// Deps 서버 의존성. Only Gateway is required.
type Deps struct {
	Gateway gateway.Client
	DB      *gorm.DB
	Redis   handler.Pinger // nil 허용 (typed nil 금지)
	Media   *storage.S3Service
}

// Server Fiber 서버 래퍼
type Server struct {
	app           *fiber.App
	cfg           *config.Config
	healthHandler *handler.HealthHandler
	traceHandler  *handler.TraceHandler
	lobbyHandler  *handler.LobbyWSHandler
	jwtManager    *auth.JWTManager
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Atrium Realtime Relay",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384, // 16KB - 큰 헤더 허용
		WriteBufferSize:       16384,
		BodyLimit:             1 * 1024 * 1024, // 트레이스 행은 작다
		DisableStartupMessage: true,
	})

	return &Server{
		app:           app,
		cfg:           cfg,
		healthHandler: handler.NewHealthHandler(deps.DB, deps.Redis),
		traceHandler:  handler.NewTraceHandler(deps.Gateway, deps.Media),
		lobbyHandler:  handler.NewLobbyWSHandler(deps.Gateway, cfg.Presence, cfg.WebSocket),
		jwtManager:    auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry),
	}
}

// App underlying fiber app (tests use app.Test)
func (s *Server) App() *fiber.App {
	return s.app
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.CORS.AllowOrigins,
		AllowHeaders: s.cfg.CORS.AllowHeaders,
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Rate Limiter 설정 (변경 요청용 - 사용자별)
	mutationLimiter := limiter.New(limiter.Config{
		Max:        s.cfg.Server.MutationRateLimit,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := auth.UserID(c); userID != "" {
				return userID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// Lobby 라우트 그룹 (인증 필요)
	lobbyGroup := s.app.Group("/api/lobbies", auth.AuthMiddleware(s.jwtManager))
	requireLobby := middleware.RequireLobby()
	lobbyGroup.Get("/:lobbyId/traces", requireLobby, s.traceHandler.ListTraces)
	lobbyGroup.Post("/:lobbyId/traces", requireLobby, mutationLimiter, s.traceHandler.CreateTrace)
	lobbyGroup.Patch("/:lobbyId/traces/:traceId", requireLobby, mutationLimiter, s.traceHandler.UpdateTrace)
	lobbyGroup.Delete("/:lobbyId/traces/:traceId", requireLobby, mutationLimiter, s.traceHandler.DeleteTrace)
	lobbyGroup.Post("/:lobbyId/media/presign", requireLobby, mutationLimiter, s.traceHandler.PresignMedia)

	// WebSocket 업그레이드 체크 + 인증
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, auth.AuthMiddleware(s.jwtManager))

	wsConfig := websocket.Config{
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
	}

	// WebSocket 로비 presence 엔드포인트
	s.app.Get("/ws/lobbies/:lobbyId/presence", requireLobby, websocket.New(s.lobbyHandler.HandlePresence, wsConfig))

	// WebSocket 로비 트레이스 change-feed 엔드포인트
	s.app.Get("/ws/lobbies/:lobbyId/traces", requireLobby, websocket.New(s.lobbyHandler.HandleChanges, wsConfig))
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Atrium Realtime Relay starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoints: ws://localhost%s/ws/lobbies/:lobbyId/{presence,traces}", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Serve 주어진 리스너로 서버 실행 (테스트용)
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
