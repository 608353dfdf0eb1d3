package main

import (
	"context"
	"log"

	"atrium-realtime/internal/cache"
	"atrium-realtime/internal/config"
	"atrium-realtime/internal/database"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/presence"
	"atrium-realtime/internal/server"
	"atrium-realtime/internal/service"
	"atrium-realtime/internal/storage"
)

func main() {
	// 설정 로드
	cfg := config.Load()

	// 데이터베이스 연결
	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close()

	// Ping 테스트
	if err := database.Ping(); err != nil {
		log.Fatalf("❌ Database ping failed: %v", err)
	}
	log.Printf("✅ Database connected successfully")

	// DB 버전 확인
	var version string
	db.Raw("SELECT version()").Scan(&version)
	if len(version) > 50 {
		version = version[:50] + "..."
	}
	log.Printf("📦 PostgreSQL: %s", version)

	// Redis 연결 (presence + change feed 필수)
	if !cfg.Redis.Enabled() {
		log.Fatalf("❌ REDIS_ADDR is required for presence and change feeds")
	}
	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Traces.CacheTTL)
	if err != nil {
		log.Fatalf("❌ Redis connection failed: %v", err)
	}
	defer redisClient.Close()

	// Gateway 구성
	presenceManager := presence.NewManager(redisClient.Client(), cfg.Presence.MemberTTL, cfg.Server.ServerID)
	traceService := service.NewTraceService(db, redisClient, redisClient)
	gw := gateway.NewBackend(presenceManager, redisClient, traceService, cfg.Presence.HeartbeatInterval, nil)
	log.Printf("✅ Gateway ready (server id %s)", cfg.Server.ServerID)

	deps := server.Deps{
		Gateway: gw,
		DB:      db,
		Redis:   redisClient,
	}

	// S3 미디어 업로드 (선택)
	if cfg.S3.Enabled() {
		media, err := storage.NewS3Service(context.Background(), cfg.S3)
		if err != nil {
			log.Printf("⚠️ S3 disabled: %v", err)
		} else {
			deps.Media = media
			log.Printf("✅ S3 media uploads enabled (bucket %s)", cfg.S3.BucketName)
		}
	} else {
		log.Println("ℹ️ AWS_S3_BUCKET not set, media presign disabled")
	}

	// 서버 생성 및 설정
	srv := server.New(cfg, deps)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
