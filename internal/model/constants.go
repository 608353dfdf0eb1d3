package model

// TracesTable change-feed table name
const TracesTable = "traces"

// BulkReadLimit 최초 로드 시 가져오는 최대 트레이스 수
const BulkReadLimit = 100
