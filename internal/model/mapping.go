package model

import (
	"encoding/json"
	"time"
)

// TraceType discriminates trace content
type TraceType string

const (
	TraceTypeText  TraceType = "text"
	TraceTypeImage TraceType = "image"
	TraceTypeAudio TraceType = "audio"
	TraceTypeVideo TraceType = "video"
	TraceTypeEmbed TraceType = "embed"
	TraceTypeShape TraceType = "shape"
)

func (t TraceType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known trace types.
func (t TraceType) Valid() bool {
	switch t {
	case TraceTypeText, TraceTypeImage, TraceTypeAudio, TraceTypeVideo, TraceTypeEmbed, TraceTypeShape:
		return true
	}
	return false
}

// Default table applied by MapTrace to every column that is null or absent.
const (
	DefaultTraceType    = TraceTypeText
	DefaultUsername     = "Anonymous"
	DefaultContent      = ""
	DefaultScale        = 1.0
	DefaultRotation     = 0.0
	DefaultFontSize     = 16.0
	DefaultFontFamily   = "sans"
	DefaultTextAlign    = "center"
	DefaultTextColor    = "#FFFFFF"
	DefaultBorderRadius = 0.0

	DefaultShowBorder      = true
	DefaultShowBackground  = true
	DefaultShowDescription = true
	DefaultShowFilename    = true
	DefaultIsLocked        = false

	DefaultCropX      = 0.0
	DefaultCropY      = 0.0
	DefaultCropWidth  = 1.0
	DefaultCropHeight = 1.0

	DefaultIlluminate      = false
	DefaultLightColor      = "#FFFFFF"
	DefaultLightIntensity  = 1.0
	DefaultLightRadius     = 200.0
	DefaultLightOffset     = 0.0
	DefaultLightPulse      = false
	DefaultLightPulseSpeed = 2.0

	DefaultEnableInteraction = false
	DefaultIgnoreClicks      = false
	DefaultZIndex            = 0

	DefaultShapeType         = "rectangle"
	DefaultShapeColor        = "#3B82F6"
	DefaultShapeOpacity      = 1.0
	DefaultCornerRadius      = 0.0
	DefaultShapeOutlineOnly  = false
	DefaultShapeNoFill       = false
	DefaultShapeOutlineColor = "#FFFFFF"
	DefaultShapeOutlineWidth = 2.0
	DefaultPathCurveType     = "straight"
)

// Point vertex of a path shape (trace-local units)
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Trace 클라이언트 측 트레이스 (기본값이 모두 채워진 상태)
type Trace struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	LobbyID   string    `json:"lobbyId"`
	CreatedAt time.Time `json:"createdAt"`

	Type     TraceType `json:"type"`
	Content  string    `json:"content"`
	ImageURL *string   `json:"imageUrl,omitempty"`
	MediaURL *string   `json:"mediaUrl,omitempty"`

	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
	Rotation float64 `json:"rotation"`

	ShowBorder      bool    `json:"showBorder"`
	ShowBackground  bool    `json:"showBackground"`
	ShowDescription bool    `json:"showDescription"`
	ShowFilename    bool    `json:"showFilename"`
	FontSize        float64 `json:"fontSize"`
	FontFamily      string  `json:"fontFamily"`
	TextBold        bool    `json:"textBold"`
	TextItalic      bool    `json:"textItalic"`
	TextUnderline   bool    `json:"textUnderline"`
	TextAlign       string  `json:"textAlign"`
	TextColor       string  `json:"textColor"`
	IsLocked        bool    `json:"isLocked"`
	BorderRadius    float64 `json:"borderRadius"`

	CropX      float64 `json:"cropX"`
	CropY      float64 `json:"cropY"`
	CropWidth  float64 `json:"cropWidth"`
	CropHeight float64 `json:"cropHeight"`

	Illuminate      bool    `json:"illuminate"`
	LightColor      string  `json:"lightColor"`
	LightIntensity  float64 `json:"lightIntensity"`
	LightRadius     float64 `json:"lightRadius"`
	LightOffsetX    float64 `json:"lightOffsetX"`
	LightOffsetY    float64 `json:"lightOffsetY"`
	LightPulse      bool    `json:"lightPulse"`
	LightPulseSpeed float64 `json:"lightPulseSpeed"`

	EnableInteraction bool `json:"enableInteraction"`
	IgnoreClicks      bool `json:"ignoreClicks"`

	LayerID *string `json:"layerId,omitempty"`
	ZIndex  int     `json:"zIndex"`

	ShapeType         string   `json:"shapeType"`
	ShapeColor        string   `json:"shapeColor"`
	ShapeOpacity      float64  `json:"shapeOpacity"`
	CornerRadius      float64  `json:"cornerRadius"`
	ShapeOutlineOnly  bool     `json:"shapeOutlineOnly"`
	ShapeNoFill       bool     `json:"shapeNoFill"`
	ShapeOutlineColor string   `json:"shapeOutlineColor"`
	ShapeOutlineWidth float64  `json:"shapeOutlineWidth"`
	ShapePoints       []Point  `json:"shapePoints,omitempty"`
	PathCurveType     string   `json:"pathCurveType"`
	Width             *float64 `json:"width,omitempty"`
	Height            *float64 `json:"height,omitempty"`
}

// MapTrace converts a gateway row into a Trace, filling every null column
// from the default table. The result never aliases memory owned by row.
func MapTrace(row TraceRow) Trace {
	traceType := TraceType(valueOr(row.Type, string(DefaultTraceType)))
	if !traceType.Valid() {
		traceType = DefaultTraceType
	}

	scale := valueOr(row.Scale, DefaultScale)

	return Trace{
		ID:        row.ID,
		UserID:    row.UserID,
		Username:  valueOr(row.Username, DefaultUsername),
		LobbyID:   row.LobbyID,
		CreatedAt: row.CreatedAt,

		Type:     traceType,
		Content:  valueOr(row.Content, DefaultContent),
		ImageURL: clonePtr(row.ImageURL),
		MediaURL: clonePtr(row.MediaURL),

		X:        row.PositionX,
		Y:        row.PositionY,
		ScaleX:   valueOr(row.ScaleX, scale),
		ScaleY:   valueOr(row.ScaleY, scale),
		Rotation: valueOr(row.Rotation, DefaultRotation),

		ShowBorder:      valueOr(row.ShowBorder, DefaultShowBorder),
		ShowBackground:  valueOr(row.ShowBackground, DefaultShowBackground),
		ShowDescription: valueOr(row.ShowDescription, DefaultShowDescription),
		ShowFilename:    valueOr(row.ShowFilename, DefaultShowFilename),
		FontSize:        valueOr(row.FontSize, DefaultFontSize),
		FontFamily:      valueOr(row.FontFamily, DefaultFontFamily),
		TextBold:        valueOr(row.TextBold, false),
		TextItalic:      valueOr(row.TextItalic, false),
		TextUnderline:   valueOr(row.TextUnderline, false),
		TextAlign:       valueOr(row.TextAlign, DefaultTextAlign),
		TextColor:       valueOr(row.TextColor, DefaultTextColor),
		IsLocked:        valueOr(row.IsLocked, DefaultIsLocked),
		BorderRadius:    valueOr(row.BorderRadius, DefaultBorderRadius),

		CropX:      valueOr(row.CropX, DefaultCropX),
		CropY:      valueOr(row.CropY, DefaultCropY),
		CropWidth:  valueOr(row.CropWidth, DefaultCropWidth),
		CropHeight: valueOr(row.CropHeight, DefaultCropHeight),

		Illuminate:      valueOr(row.Illuminate, DefaultIlluminate),
		LightColor:      valueOr(row.LightColor, DefaultLightColor),
		LightIntensity:  valueOr(row.LightIntensity, DefaultLightIntensity),
		LightRadius:     valueOr(row.LightRadius, DefaultLightRadius),
		LightOffsetX:    valueOr(row.LightOffsetX, DefaultLightOffset),
		LightOffsetY:    valueOr(row.LightOffsetY, DefaultLightOffset),
		LightPulse:      valueOr(row.LightPulse, DefaultLightPulse),
		LightPulseSpeed: valueOr(row.LightPulseSpeed, DefaultLightPulseSpeed),

		EnableInteraction: valueOr(row.EnableInteraction, DefaultEnableInteraction),
		IgnoreClicks:      valueOr(row.IgnoreClicks, DefaultIgnoreClicks),

		LayerID: clonePtr(row.LayerID),
		ZIndex:  valueOr(row.ZIndex, DefaultZIndex),

		ShapeType:         valueOr(row.ShapeType, DefaultShapeType),
		ShapeColor:        valueOr(row.ShapeColor, DefaultShapeColor),
		ShapeOpacity:      valueOr(row.ShapeOpacity, DefaultShapeOpacity),
		CornerRadius:      valueOr(row.CornerRadius, DefaultCornerRadius),
		ShapeOutlineOnly:  valueOr(row.ShapeOutlineOnly, DefaultShapeOutlineOnly),
		ShapeNoFill:       valueOr(row.ShapeNoFill, DefaultShapeNoFill),
		ShapeOutlineColor: valueOr(row.ShapeOutlineColor, DefaultShapeOutlineColor),
		ShapeOutlineWidth: valueOr(row.ShapeOutlineWidth, DefaultShapeOutlineWidth),
		ShapePoints:       parsePoints(row.ShapePoints),
		PathCurveType:     valueOr(row.PathCurveType, DefaultPathCurveType),
		Width:             clonePtr(row.Width),
		Height:            clonePtr(row.Height),
	}
}

// MapTraces maps a slice of rows, preserving order.
func MapTraces(rows []TraceRow) []Trace {
	traces := make([]Trace, 0, len(rows))
	for _, row := range rows {
		traces = append(traces, MapTrace(row))
	}
	return traces
}

// ToRow converts a Trace back into a fully populated row. Used by the
// local edit path when it sends a trace to the gateway.
func (t Trace) ToRow() TraceRow {
	row := TraceRow{
		ID:        t.ID,
		CreatedAt: t.CreatedAt,
		UserID:    t.UserID,
		Username:  ptr(t.Username),
		LobbyID:   t.LobbyID,

		Type:     ptr(string(t.Type)),
		Content:  ptr(t.Content),
		ImageURL: clonePtr(t.ImageURL),
		MediaURL: clonePtr(t.MediaURL),

		PositionX: t.X,
		PositionY: t.Y,
		ScaleX:    ptr(t.ScaleX),
		ScaleY:    ptr(t.ScaleY),
		Rotation:  ptr(t.Rotation),

		ShowBorder:      ptr(t.ShowBorder),
		ShowBackground:  ptr(t.ShowBackground),
		ShowDescription: ptr(t.ShowDescription),
		ShowFilename:    ptr(t.ShowFilename),
		FontSize:        ptr(t.FontSize),
		FontFamily:      ptr(t.FontFamily),
		TextBold:        ptr(t.TextBold),
		TextItalic:      ptr(t.TextItalic),
		TextUnderline:   ptr(t.TextUnderline),
		TextAlign:       ptr(t.TextAlign),
		TextColor:       ptr(t.TextColor),
		IsLocked:        ptr(t.IsLocked),
		BorderRadius:    ptr(t.BorderRadius),

		CropX:      ptr(t.CropX),
		CropY:      ptr(t.CropY),
		CropWidth:  ptr(t.CropWidth),
		CropHeight: ptr(t.CropHeight),

		Illuminate:      ptr(t.Illuminate),
		LightColor:      ptr(t.LightColor),
		LightIntensity:  ptr(t.LightIntensity),
		LightRadius:     ptr(t.LightRadius),
		LightOffsetX:    ptr(t.LightOffsetX),
		LightOffsetY:    ptr(t.LightOffsetY),
		LightPulse:      ptr(t.LightPulse),
		LightPulseSpeed: ptr(t.LightPulseSpeed),

		EnableInteraction: ptr(t.EnableInteraction),
		IgnoreClicks:      ptr(t.IgnoreClicks),

		LayerID: clonePtr(t.LayerID),
		ZIndex:  ptr(t.ZIndex),

		ShapeType:         ptr(t.ShapeType),
		ShapeColor:        ptr(t.ShapeColor),
		ShapeOpacity:      ptr(t.ShapeOpacity),
		CornerRadius:      ptr(t.CornerRadius),
		ShapeOutlineOnly:  ptr(t.ShapeOutlineOnly),
		ShapeNoFill:       ptr(t.ShapeNoFill),
		ShapeOutlineColor: ptr(t.ShapeOutlineColor),
		ShapeOutlineWidth: ptr(t.ShapeOutlineWidth),
		PathCurveType:     ptr(t.PathCurveType),
		Width:             clonePtr(t.Width),
		Height:            clonePtr(t.Height),
	}
	if len(t.ShapePoints) > 0 {
		if data, err := json.Marshal(t.ShapePoints); err == nil {
			row.ShapePoints = data
		}
	}
	return row
}

// parsePoints accepts both [{"x":..,"y":..}] and [[x,y]] encodings.
// Anything else maps to nil.
func parsePoints(raw []byte) []Point {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var points []Point
	if err := json.Unmarshal(raw, &points); err == nil {
		return points
	}

	var pairs [][2]float64
	if err := json.Unmarshal(raw, &pairs); err == nil {
		points = make([]Point, 0, len(pairs))
		for _, p := range pairs {
			points = append(points, Point{X: p[0], Y: p[1]})
		}
		return points
	}
	return nil
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T {
	return &v
}
