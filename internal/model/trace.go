package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// TraceRow 트레이스 테이블 행 (Gateway 스키마와 1:1)
// Optional columns are pointers so a missing value can be told apart from
// a zero value; MapTrace applies the default table.
type TraceRow struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_traces_lobby_created,priority:2" json:"created_at"`
	UserID    string    `gorm:"type:text;not null" json:"user_id"`
	Username  *string   `gorm:"type:varchar(100)" json:"username"`
	LobbyID   string    `gorm:"type:text;not null;index:idx_traces_lobby_created,priority:1" json:"lobby_id"`

	Type     *string `gorm:"type:varchar(20)" json:"type"` // text, image, audio, video, embed, shape
	Content  *string `gorm:"type:text" json:"content"`
	ImageURL *string `gorm:"type:text" json:"image_url"`
	MediaURL *string `gorm:"type:text" json:"media_url"`

	// Placement
	PositionX float64  `gorm:"not null;default:0" json:"position_x"`
	PositionY float64  `gorm:"not null;default:0" json:"position_y"`
	Scale     *float64 `json:"scale"`
	ScaleX    *float64 `json:"scale_x"`
	ScaleY    *float64 `json:"scale_y"`
	Rotation  *float64 `json:"rotation"`

	// Presentation
	ShowBorder      *bool    `json:"show_border"`
	ShowBackground  *bool    `json:"show_background"`
	ShowDescription *bool    `json:"show_description"`
	ShowFilename    *bool    `json:"show_filename"`
	FontSize        *float64 `json:"font_size"`
	FontFamily      *string  `gorm:"type:varchar(50)" json:"font_family"`
	TextBold        *bool    `json:"text_bold"`
	TextItalic      *bool    `json:"text_italic"`
	TextUnderline   *bool    `json:"text_underline"`
	TextAlign       *string  `gorm:"type:varchar(10)" json:"text_align"`
	TextColor       *string  `gorm:"type:varchar(20)" json:"text_color"`
	IsLocked        *bool    `json:"is_locked"`
	BorderRadius    *float64 `json:"border_radius"`

	// Crop (normalized 0..1)
	CropX      *float64 `json:"crop_x"`
	CropY      *float64 `json:"crop_y"`
	CropWidth  *float64 `json:"crop_width"`
	CropHeight *float64 `json:"crop_height"`

	// Lighting
	Illuminate      *bool    `json:"illuminate"`
	LightColor      *string  `gorm:"type:varchar(20)" json:"light_color"`
	LightIntensity  *float64 `json:"light_intensity"`
	LightRadius     *float64 `json:"light_radius"`
	LightOffsetX    *float64 `json:"light_offset_x"`
	LightOffsetY    *float64 `json:"light_offset_y"`
	LightPulse      *bool    `json:"light_pulse"`
	LightPulseSpeed *float64 `json:"light_pulse_speed"`

	EnableInteraction *bool `json:"enable_interaction"`
	IgnoreClicks      *bool `json:"ignore_clicks"`

	// Ordering
	LayerID *string `gorm:"type:text" json:"layer_id"`
	ZIndex  *int    `json:"z_index"`

	// Shape
	ShapeType         *string        `gorm:"type:varchar(20)" json:"shape_type"`
	ShapeColor        *string        `gorm:"type:varchar(20)" json:"shape_color"`
	ShapeOpacity      *float64       `json:"shape_opacity"`
	CornerRadius      *float64       `json:"corner_radius"`
	ShapeOutlineOnly  *bool          `json:"shape_outline_only"`
	ShapeNoFill       *bool          `json:"shape_no_fill"`
	ShapeOutlineColor *string        `gorm:"type:varchar(20)" json:"shape_outline_color"`
	ShapeOutlineWidth *float64       `json:"shape_outline_width"`
	ShapePoints       datatypes.JSON `gorm:"type:jsonb" json:"shape_points"`
	PathCurveType     *string        `gorm:"type:varchar(20)" json:"path_curve_type"`
	Width             *float64       `json:"width"`
	Height            *float64       `json:"height"`
}

func (TraceRow) TableName() string {
	return "traces"
}

// TraceColumns every column of the traces table, in schema order
var TraceColumns = []string{
	"id", "created_at", "user_id", "username", "type", "content",
	"position_x", "position_y", "image_url", "media_url",
	"scale", "scale_x", "scale_y", "rotation",
	"show_border", "show_background", "show_description", "show_filename",
	"font_size", "font_family", "text_bold", "text_italic", "text_underline",
	"text_align", "text_color", "is_locked", "border_radius",
	"crop_x", "crop_y", "crop_width", "crop_height",
	"illuminate", "light_color", "light_intensity", "light_radius",
	"light_offset_x", "light_offset_y", "light_pulse", "light_pulse_speed",
	"enable_interaction", "ignore_clicks", "layer_id", "z_index", "lobby_id",
	"shape_type", "shape_color", "shape_opacity", "corner_radius",
	"shape_outline_only", "shape_no_fill", "shape_outline_color",
	"shape_outline_width", "shape_points", "path_curve_type", "width", "height",
}

// immutableColumns columns a partial update may never touch
var immutableColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"user_id":    true,
	"lobby_id":   true,
}

// IsUpdatableColumn reports whether a partial update may set the column.
func IsUpdatableColumn(column string) bool {
	if immutableColumns[column] {
		return false
	}
	for _, c := range TraceColumns {
		if c == column {
			return true
		}
	}
	return false
}

// ExpandLegacyScale copies a legacy uniform "scale" into scale_x and
// scale_y unless the update sets them itself. fields is not modified.
func ExpandLegacyScale(fields map[string]any) map[string]any {
	scale, ok := fields["scale"]
	if !ok {
		return fields
	}
	_, hasX := fields["scale_x"]
	_, hasY := fields["scale_y"]
	if hasX && hasY {
		return fields
	}

	out := make(map[string]any, len(fields)+2)
	for column, value := range fields {
		out[column] = value
	}
	if !hasX {
		out["scale_x"] = scale
	}
	if !hasY {
		out["scale_y"] = scale
	}
	return out
}

// ApplyFields overlays a partial update (column -> value) onto row and
// returns the result. Unknown or immutable columns are rejected.
func ApplyFields(row TraceRow, fields map[string]any) (TraceRow, error) {
	for column := range fields {
		if !IsUpdatableColumn(column) {
			return row, fmt.Errorf("%w: column %q cannot be updated", ErrInvalidTrace, column)
		}
	}
	fields = ExpandLegacyScale(fields)

	raw, err := json.Marshal(row)
	if err != nil {
		return row, fmt.Errorf("marshal row: %w", err)
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(raw, &merged); err != nil {
		return row, fmt.Errorf("decode row: %w", err)
	}
	for column, value := range fields {
		merged[column] = value
	}

	raw, err = json.Marshal(merged)
	if err != nil {
		return row, fmt.Errorf("marshal fields: %w", err)
	}
	var out TraceRow
	if err := json.Unmarshal(raw, &out); err != nil {
		return row, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
	}
	return out, nil
}
