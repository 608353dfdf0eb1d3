package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"atrium-realtime/internal/model"
)

// TraceCache 최초 로드 결과 캐시. SetRecentTraces must only store when the
// lobby is still at version; InvalidateLobby bumps the version.
type TraceCache interface {
	GetRecentTraces(ctx context.Context, lobbyID string) ([]model.TraceRow, bool, error)
	CacheVersion(ctx context.Context, lobbyID string) (int64, error)
	SetRecentTraces(ctx context.Context, lobbyID string, version int64, rows []model.TraceRow) (bool, error)
	InvalidateLobby(ctx context.Context, lobbyID string) error
}

// ChangePublisher change-feed 발행자
type ChangePublisher interface {
	PublishChange(ctx context.Context, channel string, ev model.ChangeEvent) error
}

// TraceService 트레이스 CRUD 및 change-feed 발행
type TraceService struct {
	db        *gorm.DB
	cache     TraceCache      // nil이면 캐시 미사용
	publisher ChangePublisher // nil이면 발행 안 함
	now       func() time.Time
	load      func(ctx context.Context, lobbyID string) ([]model.TraceRow, error)
}

// NewTraceService TraceService 생성
func NewTraceService(db *gorm.DB, cache TraceCache, publisher ChangePublisher) *TraceService {
	s := &TraceService{
		db:        db,
		cache:     cache,
		publisher: publisher,
		now:       time.Now,
	}
	s.load = s.loadRecent
	return s
}

// ListRecent 로비의 최근 트레이스 조회 (created_at 내림차순, 최대 100개)
func (s *TraceService) ListRecent(ctx context.Context, lobbyID string, limit int) ([]model.TraceRow, error) {
	if limit <= 0 || limit > model.BulkReadLimit {
		limit = model.BulkReadLimit
	}

	// 버전은 DB 읽기 전에 잡는다
	var version int64
	cacheable := false
	if s.cache != nil {
		rows, ok, err := s.cache.GetRecentTraces(ctx, lobbyID)
		if err != nil {
			log.Printf("[TraceService] cache read failed for lobby %s: %v", lobbyID, err)
		} else if ok {
			return truncate(rows, limit), nil
		}
		if version, err = s.cache.CacheVersion(ctx, lobbyID); err != nil {
			log.Printf("[TraceService] cache version read failed for lobby %s: %v", lobbyID, err)
		} else {
			cacheable = true
		}
	}

	rows, err := s.load(ctx, lobbyID)
	if err != nil {
		return nil, err
	}

	if cacheable {
		stored, err := s.cache.SetRecentTraces(ctx, lobbyID, version, rows)
		if err != nil {
			log.Printf("[TraceService] cache write failed for lobby %s: %v", lobbyID, err)
		} else if !stored {
			log.Printf("[TraceService] lobby %s changed during read, cache not refilled", lobbyID)
		}
	}
	return truncate(rows, limit), nil
}

// loadRecent 캐시는 항상 최대 개수로 채움
func (s *TraceService) loadRecent(ctx context.Context, lobbyID string) ([]model.TraceRow, error) {
	var rows []model.TraceRow
	err := s.db.WithContext(ctx).
		Where("lobby_id = ?", lobbyID).
		Order("created_at DESC").
		Limit(model.BulkReadLimit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list traces for lobby %s: %w", lobbyID, err)
	}
	return rows, nil
}

// Get 단일 트레이스 조회
func (s *TraceService) Get(ctx context.Context, lobbyID, traceID string) (*model.TraceRow, error) {
	var row model.TraceRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND lobby_id = ?", traceID, lobbyID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	return &row, nil
}

// Create 트레이스 생성 후 INSERT 이벤트 발행. 서버가 id와 created_at을 부여한다.
func (s *TraceService) Create(ctx context.Context, row model.TraceRow) (*model.TraceRow, error) {
	if row.LobbyID == "" {
		return nil, fmt.Errorf("create trace: %w: lobby_id is required", model.ErrInvalidTrace)
	}
	if row.Type != nil && !model.TraceType(*row.Type).Valid() {
		return nil, fmt.Errorf("create trace: %w: type %q", model.ErrInvalidTrace, *row.Type)
	}

	row.ID = uuid.NewString()
	row.CreatedAt = s.now().UTC()

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}

	s.afterMutation(ctx, row.LobbyID, model.ChangeEvent{Type: model.ChangeInsert, New: &row})
	return &row, nil
}

// Update 부분 필드 수정 후 UPDATE 이벤트 발행
func (s *TraceService) Update(ctx context.Context, lobbyID, traceID string, fields map[string]any) (*model.TraceRow, error) {
	current, err := s.Get(ctx, lobbyID, traceID)
	if err != nil {
		return nil, err
	}
	if err := CheckLock(*current, fields); err != nil {
		return nil, err
	}

	columns, err := NormalizeFields(fields)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return current, nil
	}

	err = s.db.WithContext(ctx).
		Model(&model.TraceRow{}).
		Where("id = ? AND lobby_id = ?", traceID, lobbyID).
		Updates(columns).Error
	if err != nil {
		return nil, fmt.Errorf("update trace %s: %w", traceID, err)
	}

	updated, err := s.Get(ctx, lobbyID, traceID)
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, lobbyID, model.ChangeEvent{Type: model.ChangeUpdate, New: updated})
	return updated, nil
}

// Delete 트레이스 삭제 후 DELETE 이벤트 발행
func (s *TraceService) Delete(ctx context.Context, lobbyID, traceID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND lobby_id = ?", traceID, lobbyID).
		Delete(&model.TraceRow{})
	if result.Error != nil {
		return fmt.Errorf("delete trace %s: %w", traceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrTraceNotFound
	}

	s.afterMutation(ctx, lobbyID, model.ChangeEvent{
		Type: model.ChangeDelete,
		Old:  &model.TraceKey{ID: traceID, LobbyID: lobbyID},
	})
	return nil
}

// afterMutation 캐시 무효화 + change-feed 발행 (실패는 로그만)
func (s *TraceService) afterMutation(ctx context.Context, lobbyID string, ev model.ChangeEvent) {
	if s.cache != nil {
		if err := s.cache.InvalidateLobby(ctx, lobbyID); err != nil {
			log.Printf("[TraceService] cache invalidate failed for lobby %s: %v", lobbyID, err)
		}
	}
	if s.publisher == nil {
		return
	}

	ev.Table = model.TracesTable
	ev.CommitTimestamp = s.now().UTC()
	if err := s.publisher.PublishChange(ctx, model.TracesChannelName(lobbyID), ev); err != nil {
		log.Printf("[TraceService] publish %s %s failed: %v", ev.Type, ev.TraceID(), err)
	}
}

// CheckLock 잠긴 트레이스는 잠금 해제 외의 수정을 거부한다.
func CheckLock(row model.TraceRow, fields map[string]any) error {
	if row.IsLocked == nil || !*row.IsLocked {
		return nil
	}
	for column := range fields {
		if column != "is_locked" {
			return model.ErrTraceLocked
		}
	}
	return nil
}

// NormalizeFields 컬럼 검증 + DB 바인딩 가능한 값으로 변환
func NormalizeFields(fields map[string]any) (map[string]any, error) {
	fields = model.ExpandLegacyScale(fields)
	out := make(map[string]any, len(fields))
	for column, value := range fields {
		if !model.IsUpdatableColumn(column) {
			return nil, fmt.Errorf("%w: column %q cannot be updated", model.ErrInvalidTrace, column)
		}

		switch column {
		case "shape_points":
			if value == nil {
				out[column] = nil
				continue
			}
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("%w: shape_points: %v", model.ErrInvalidTrace, err)
			}
			out[column] = datatypes.JSON(raw)
		case "type":
			if s, ok := value.(string); !ok || !model.TraceType(s).Valid() {
				return nil, fmt.Errorf("%w: type %v", model.ErrInvalidTrace, value)
			}
			out[column] = value
		default:
			out[column] = value
		}
	}
	return out, nil
}

func truncate(rows []model.TraceRow, limit int) []model.TraceRow {
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
