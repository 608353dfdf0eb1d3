package handler

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"atrium-realtime/internal/auth"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/storage"
)

// TraceHandler 트레이스 REST 핸들러. Every mutation goes through the
// gateway, which publishes the matching change event.
type TraceHandler struct {
	gw    gateway.Client
	media *storage.S3Service // nil이면 업로드 비활성화
}

// NewTraceHandler TraceHandler 생성
func NewTraceHandler(gw gateway.Client, media *storage.S3Service) *TraceHandler {
	return &TraceHandler{gw: gw, media: media}
}

// ListTraces 로비의 최근 트레이스 조회 (최대 100개, 최신순)
func (h *TraceHandler) ListTraces(c *fiber.Ctx) error {
	lobbyID := c.Params("lobbyId")
	limit := c.QueryInt("limit", model.BulkReadLimit)
	if limit <= 0 || limit > model.BulkReadLimit {
		limit = model.BulkReadLimit
	}

	rows, err := h.gw.QueryTraces(c.UserContext(), gateway.TraceQuery{LobbyID: lobbyID, Limit: limit})
	if err != nil {
		return traceError(c, err)
	}
	if rows == nil {
		rows = []model.TraceRow{}
	}
	return c.JSON(fiber.Map{"traces": rows})
}

// CreateTrace 트레이스 생성. id, created_at and the owner are assigned by
// the server.
func (h *TraceHandler) CreateTrace(c *fiber.Ctx) error {
	var row model.TraceRow
	if err := c.BodyParser(&row); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	username := auth.Username(c)
	row.ID = ""
	row.LobbyID = c.Params("lobbyId")
	row.UserID = auth.UserID(c)
	row.Username = &username
	row.CreatedAt = time.Time{}

	created, err := h.gw.InsertTrace(c.UserContext(), row)
	if err != nil {
		return traceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"trace": created})
}

// UpdateTrace 부분 수정 (허용된 컬럼만)
func (h *TraceHandler) UpdateTrace(c *fiber.Ctx) error {
	var fields map[string]any
	if err := c.BodyParser(&fields); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if len(fields) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "no fields to update",
		})
	}

	updated, err := h.gw.UpdateTrace(c.UserContext(), c.Params("lobbyId"), c.Params("traceId"), fields)
	if err != nil {
		return traceError(c, err)
	}
	return c.JSON(fiber.Map{"trace": updated})
}

// DeleteTrace 트레이스 삭제
func (h *TraceHandler) DeleteTrace(c *fiber.Ctx) error {
	if err := h.gw.DeleteTrace(c.UserContext(), c.Params("lobbyId"), c.Params("traceId")); err != nil {
		return traceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// PresignRequest 미디어 업로드 URL 요청
type PresignRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	TraceType   string `json:"trace_type"`
}

// PresignMedia 트레이스 미디어 업로드용 presigned URL 발급
func (h *TraceHandler) PresignMedia(c *fiber.Ctx) error {
	if h.media == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "media storage is not configured",
		})
	}

	var req PresignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.FileName == "" || req.ContentType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "file_name and content_type are required",
		})
	}
	if !storage.AllowedContentType(req.TraceType, req.ContentType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "content type not allowed for trace type",
		})
	}

	upload, err := h.media.GenerateUploadURL(c.UserContext(), c.Params("lobbyId"), req.FileName, req.ContentType)
	if err != nil {
		log.Printf("[TraceHandler] presign failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate presigned URL",
		})
	}
	return c.JSON(upload)
}

// traceError 게이트웨이 에러를 HTTP 상태 코드로 변환
func traceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrTraceNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "trace not found"})
	case errors.Is(err, model.ErrTraceLocked):
		return c.Status(fiber.StatusLocked).JSON(fiber.Map{"error": "trace is locked"})
	case errors.Is(err, model.ErrInvalidTrace):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("[TraceHandler] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
