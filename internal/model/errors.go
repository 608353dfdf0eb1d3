package model

import "errors"

var (
	// ErrTraceNotFound 트레이스 없음
	ErrTraceNotFound = errors.New("trace not found")
	// ErrTraceLocked 잠긴 트레이스 수정 시도
	ErrTraceLocked = errors.New("trace is locked")
	// ErrInvalidTrace 잘못된 입력 (컬럼, 타입, 필수 값)
	ErrInvalidTrace = errors.New("invalid trace")
)
