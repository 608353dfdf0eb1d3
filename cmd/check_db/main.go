package main

import (
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"atrium-realtime/internal/database"
	"atrium-realtime/internal/model"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	fmt.Println("✅ Connected to database")
	fmt.Println()

	// 컬럼 정보
	type ColumnInfo struct {
		ColumnName    string
		DataType      string
		ColumnDefault *string
		IsNullable    string
	}
	var columns []ColumnInfo
	query := `
		SELECT column_name, data_type, column_default, is_nullable
		FROM information_schema.columns
		WHERE table_name = 'traces'
		ORDER BY ordinal_position
	`
	if err := db.Raw(query).Scan(&columns).Error; err != nil {
		log.Fatal("Failed to read traces columns:", err)
	}

	present := make(map[string]ColumnInfo, len(columns))
	for _, c := range columns {
		present[c.ColumnName] = c
	}

	fmt.Println("📋 traces columns:")
	missing := 0
	for _, name := range model.TraceColumns {
		info, ok := present[name]
		if !ok {
			missing++
			fmt.Printf("  ❌ %s (missing)\n", name)
			continue
		}
		def := "NULL"
		if info.ColumnDefault != nil {
			def = *info.ColumnDefault
		}
		fmt.Printf("  ✅ %-12s %-28s nullable=%s default=%s\n", name, info.DataType, info.IsNullable, def)
	}
	fmt.Println()

	// bulk read 인덱스
	var indexExists bool
	query = `
		SELECT EXISTS (
			SELECT 1
			FROM pg_indexes
			WHERE tablename = 'traces'
			AND indexname = 'idx_traces_lobby_created'
		)
	`
	if err := db.Raw(query).Scan(&indexExists).Error; err != nil {
		log.Fatal("Failed to check index:", err)
	}
	fmt.Printf("📊 idx_traces_lobby_created exists: %v\n", indexExists)

	// 로비별 통계
	type LobbyStats struct {
		LobbyID string
		Total   int64
		Locked  int64
	}
	var stats []LobbyStats
	query = `
		SELECT
			lobby_id,
			COUNT(*) as total,
			COUNT(CASE WHEN is_locked THEN 1 END) as locked
		FROM traces
		GROUP BY lobby_id
		ORDER BY total DESC
		LIMIT 10
	`
	if err := db.Raw(query).Scan(&stats).Error; err != nil {
		log.Fatal("Failed to get statistics:", err)
	}

	fmt.Println()
	fmt.Println("📈 Traces per lobby (top 10):")
	for _, s := range stats {
		fmt.Printf("  - %s: %d traces (%d locked)\n", s.LobbyID, s.Total, s.Locked)
	}

	if missing > 0 || !indexExists {
		fmt.Println()
		fmt.Println("⚠️  Schema is incomplete, start the server once to run migrations")
	}
}
