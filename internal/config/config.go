package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Auth      AuthConfig
	S3        S3Config
	Redis     RedisConfig
	Presence  PresenceConfig
	Traces    TracesConfig
}

// RedisConfig Redis 설정
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled Redis 주소가 설정되어 있는지 여부
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// S3Config AWS S3 설정 (트레이스 미디어 업로드)
type S3Config struct {
	Region          string
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	PresignExpiry   time.Duration
	PublicBaseURL   string
	Endpoint        string // MinIO 등 S3 호환 스토리지
	UsePathStyle    bool
}

// Enabled 버킷이 설정되어 있는지 여부
func (c S3Config) Enabled() bool {
	return c.BucketName != ""
}

// AuthConfig 인증 설정
type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
}

// ServerConfig HTTP 서버 설정
type ServerConfig struct {
	Port              string
	ServerID          string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MutationRateLimit int
}

// WebSocketConfig WebSocket 관련 설정
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// CORSConfig CORS 설정
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// PresenceConfig presence 동기화 설정
type PresenceConfig struct {
	PollInterval      time.Duration // 발행 여부 평가 주기
	PublishInterval   time.Duration // 발행 최소 간격
	PublishDistance   float64       // 발행 최소 이동 거리 (축 단위)
	LocalInterval     time.Duration // 로컬 위치 갱신 최소 간격
	LocalDistance     float64       // 로컬 위치 갱신 최소 이동 거리
	HeartbeatInterval time.Duration
	MemberTTL         time.Duration // 하트비트 없는 멤버 제거 기준
	TrackRate         float64       // 연결당 초당 track 메시지 수
	TrackBurst        int
}

// TracesConfig 트레이스 복제 설정
type TracesConfig struct {
	BulkLimit  int
	PendingTTL time.Duration // 로컬 편집 보호 만료 시간
	CacheTTL   time.Duration // 최초 로드 캐시 TTL
}

// DefaultPresence 기본 presence 설정
func DefaultPresence() PresenceConfig {
	return PresenceConfig{
		PollInterval:      200 * time.Millisecond,
		PublishInterval:   2000 * time.Millisecond,
		PublishDistance:   12,
		LocalInterval:     50 * time.Millisecond,
		LocalDistance:     2,
		HeartbeatInterval: 15 * time.Second,
		MemberTTL:         45 * time.Second,
		TrackRate:         5,
		TrackBurst:        10,
	}
}

// DefaultTraces 기본 트레이스 설정
func DefaultTraces() TracesConfig {
	return TracesConfig{
		BulkLimit:  100,
		PendingTTL: 10 * time.Second,
		CacheTTL:   30 * time.Second,
	}
}

// Load 환경 변수에서 설정 로드
func Load() *Config {
	// .env 파일 로드 (없어도 에러 무시)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		log.Fatalf("🚨 CRITICAL: %v", err)
	}
	return cfg
}

// FromEnv 현재 환경 변수만으로 설정 구성 (.env 미사용)
func FromEnv() (*Config, error) {
	// 필수 환경 변수 검증
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("required environment variable JWT_SECRET is not set")
	}
	if jwtSecret == "change-this-secret-in-production" {
		return nil, fmt.Errorf("JWT_SECRET must be changed from default value in production")
	}

	presence := DefaultPresence()
	traces := DefaultTraces()

	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnv("PORT", ":8080"),
			ServerID:          getEnv("SERVER_ID", hostname),
			ReadTimeout:       getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:       getDuration("IDLE_TIMEOUT", 120*time.Second),
			MutationRateLimit: getInt("MUTATION_RATE_LIMIT", 120),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
			PingInterval:     getDuration("WS_PING_INTERVAL", 30*time.Second),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			AccessTokenExpiry: getDuration("ACCESS_TOKEN_EXPIRY", 1*time.Hour),
		},
		S3: S3Config{
			Region:          getEnv("AWS_REGION", "ap-northeast-2"),
			BucketName:      getEnv("AWS_S3_BUCKET", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			PresignExpiry:   getDuration("S3_PRESIGN_EXPIRY", 15*time.Minute),
			PublicBaseURL:   getEnv("S3_PUBLIC_BASE_URL", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			UsePathStyle:    getBool("S3_USE_PATH_STYLE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Presence: PresenceConfig{
			PollInterval:      getDuration("PRESENCE_POLL_INTERVAL", presence.PollInterval),
			PublishInterval:   getDuration("PRESENCE_PUBLISH_INTERVAL", presence.PublishInterval),
			PublishDistance:   getFloat("PRESENCE_PUBLISH_DISTANCE", presence.PublishDistance),
			LocalInterval:     getDuration("PRESENCE_LOCAL_INTERVAL", presence.LocalInterval),
			LocalDistance:     getFloat("PRESENCE_LOCAL_DISTANCE", presence.LocalDistance),
			HeartbeatInterval: getDuration("PRESENCE_HEARTBEAT_INTERVAL", presence.HeartbeatInterval),
			MemberTTL:         getDuration("PRESENCE_MEMBER_TTL", presence.MemberTTL),
			TrackRate:         getFloat("PRESENCE_TRACK_RATE", presence.TrackRate),
			TrackBurst:        getInt("PRESENCE_TRACK_BURST", presence.TrackBurst),
		},
		Traces: TracesConfig{
			BulkLimit:  getInt("TRACES_BULK_LIMIT", traces.BulkLimit),
			PendingTTL: getDuration("TRACES_PENDING_TTL", traces.PendingTTL),
			CacheTTL:   getDuration("TRACES_CACHE_TTL", traces.CacheTTL),
		},
	}

	if cfg.Traces.BulkLimit <= 0 || cfg.Traces.BulkLimit > traces.BulkLimit {
		cfg.Traces.BulkLimit = traces.BulkLimit
	}
	if cfg.Presence.MemberTTL <= cfg.Presence.HeartbeatInterval {
		log.Printf("⚠️ PRESENCE_MEMBER_TTL (%v) must exceed heartbeat interval (%v), using %v",
			cfg.Presence.MemberTTL, cfg.Presence.HeartbeatInterval, 3*cfg.Presence.HeartbeatInterval)
		cfg.Presence.MemberTTL = 3 * cfg.Presence.HeartbeatInterval
	}

	return cfg, nil
}

// getEnv 환경 변수 조회 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt 정수형 환경 변수 조회
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getFloat 실수형 환경 변수 조회
func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getBool 불리언 환경 변수 조회
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration 시간 환경 변수 조회
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// 숫자만 있으면 초로 간주
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
