package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"atrium-realtime/internal/model"
)

// DB 전역 데이터베이스 인스턴스
var DB *gorm.DB

// Config 데이터베이스 설정
type Config struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SlowThreshold   time.Duration
}

// LoadConfig 환경변수에서 DB 설정 로드
func LoadConfig() *Config {
	return &Config{
		URL:      getEnv("DATABASE_URL", ""),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		DBName:   getEnv("DB_NAME", "postgres"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
		TimeZone: getEnv("DB_TIMEZONE", "Asia/Seoul"),

		MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
		MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 100),
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: getDuration("DB_CONN_MAX_IDLE_TIME", 10*time.Minute),
		SlowThreshold:   getDuration("DB_SLOW_THRESHOLD", 200*time.Millisecond),
	}
}

// fallbackSchema minimal traces table plus the (lobby_id, created_at)
// index the bulk read depends on
const fallbackSchema = `CREATE TABLE IF NOT EXISTS traces (
	id text PRIMARY KEY,
	created_at timestamptz NOT NULL DEFAULT now(),
	user_id text NOT NULL,
	username varchar(100),
	lobby_id text NOT NULL,
	position_x double precision NOT NULL DEFAULT 0,
	position_y double precision NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_traces_lobby_created ON traces (lobby_id, created_at DESC);
ALTER TABLE traces ADD COLUMN IF NOT EXISTS scale_x double precision;
ALTER TABLE traces ADD COLUMN IF NOT EXISTS scale_y double precision;`

// DSN 연결 문자열 생성. DATABASE_URL takes precedence over DB_* parts.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone,
	)
}

// ConnectDB 환경변수 설정으로 연결
func ConnectDB() (*gorm.DB, error) {
	return OpenWithConfig(LoadConfig())
}

// Open dsn으로 연결 (풀 설정은 기본값)
func Open(dsn string) (*gorm.DB, error) {
	cfg := LoadConfig()
	cfg.URL = dsn
	return OpenWithConfig(cfg)
}

// OpenWithConfig 연결 후 traces 스키마를 맞춘다
func OpenWithConfig(cfg *Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold:             cfg.SlowThreshold,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	DB = db

	if err := migrate(db); err != nil {
		log.Printf("⚠️ traces migration warning: %v", err)
	}
	return db, nil
}

// migrate AutoMigrate 후 bulk read 인덱스와 scale 컬럼을 직접 보장
func migrate(db *gorm.DB) error {
	var errs []error
	if err := db.AutoMigrate(&model.TraceRow{}); err != nil {
		errs = append(errs, fmt.Errorf("automigrate: %w", err))
	}
	if err := db.Exec(fallbackSchema).Error; err != nil {
		errs = append(errs, fmt.Errorf("fallback schema: %w", err))
	}
	return errors.Join(errs...)
}

// Ping 데이터베이스 연결 테스트
func Ping() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close 데이터베이스 연결 종료
func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
