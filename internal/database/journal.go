package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// 会话结束方式
const (
	OutcomeTerminated   = "terminated"    // 服务端下发了强制结束
	OutcomeClientClosed = "client_closed" // 客户端正常关闭
	OutcomeDropped      = "dropped"       // 连接异常断开
	OutcomeServerClosed = "server_closed" // 服务端主动断开
)

// SessionRecord 监考后端观察到的一次连接
type SessionRecord struct {
	ConnID         string    `json:"conn_id"`
	SubjectID      string    `json:"subject_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	Frames         uint64    `json:"frames"`
	Bytes          uint64    `json:"bytes"`
	InvalidFrames  uint64    `json:"invalid_frames"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
}

// Journal 会话记录存储
type Journal interface {
	Record(ctx context.Context, rec SessionRecord) error
	Recent(ctx context.Context, limit int) ([]SessionRecord, error)
	Close()
}

// MemoryJournal 内存存储，未配置数据库时使用
type MemoryJournal struct {
	mu      sync.RWMutex
	records []SessionRecord
	max     int
}

// NewMemoryJournal 创建内存存储，最多保留 max 条记录
func NewMemoryJournal(max int) *MemoryJournal {
	if max <= 0 {
		max = 1000
	}
	return &MemoryJournal{max: max}
}

// Record 实现 Journal
func (j *MemoryJournal) Record(ctx context.Context, rec SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records = append(j.records, rec)
	if len(j.records) > j.max {
		j.records = j.records[len(j.records)-j.max:]
	}
	return nil
}

// Recent 实现 Journal，按断开时间倒序
func (j *MemoryJournal) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	j.mu.RLock()
	out := make([]SessionRecord, len(j.records))
	copy(out, j.records)
	j.mu.RUnlock()

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].DisconnectedAt.After(out[b].DisconnectedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Journal
func (j *MemoryJournal) Close() {}
