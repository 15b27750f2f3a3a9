package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "VaultTrader/internal/errors"
)

// 成交记录的状态取值。
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DefaultListLimit 是 ListLatest 在未指定数量时返回的条数。
const DefaultListLimit = 20

// retainedRecords 是内存与文件仓库在进程内保留的最大条数。
const retainedRecords = 512

// LegRecord 记录一次买入或卖出腿的提交与确认结果。数量以十进制字符串保存。
type LegRecord struct {
	Side         string `json:"side"`
	Route        string `json:"route"`
	Fee          uint32 `json:"fee,omitempty"`
	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	AmountIn     string `json:"amount_in"`
	AmountOutMin string `json:"amount_out_min"`
	AmountOut    string `json:"amount_out,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	Nonce        uint64 `json:"nonce,omitempty"`
	Block        uint64 `json:"block,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// TickRecord 表示交易循环一次触发的落库结构。
type TickRecord struct {
	ID         string      `json:"id"`
	StartedAt  int64       `json:"started_at"`
	FinishedAt int64       `json:"finished_at"`
	Status     string      `json:"status"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Legs       []LegRecord `json:"legs,omitempty"`
}

// TickRepository 抽象成交记录的持久化接口。
type TickRepository interface {
	Save(ctx context.Context, record TickRecord) error
	ListLatest(ctx context.Context, limit int) ([]TickRecord, error)
	Close() error
}

// MemoryTickRepository 仅在进程内保留最近的成交记录，适合模拟交易与测试。
type MemoryTickRepository struct {
	mu      sync.RWMutex
	records []TickRecord
}

// NewMemoryTickRepository 创建一个内存成交记录仓库。
func NewMemoryTickRepository() *MemoryTickRepository {
	return &MemoryTickRepository{}
}

// Save 记录一次触发结果。
func (m *MemoryTickRepository) Save(_ context.Context, record TickRecord) error {
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "成交记录缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = prepend(m.records, cloneRecord(record))
	return nil
}

// ListLatest 返回最近的成交记录，按时间倒序排列。
func (m *MemoryTickRepository) ListLatest(_ context.Context, limit int) ([]TickRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latest(m.records, limit), nil
}

// Close 实现 TickRepository。
func (m *MemoryTickRepository) Close() error { return nil }

// FileTickRepository 以 JSON Lines 的方式追加写入成交记录，重启后可恢复最近的记录。
type FileTickRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []TickRecord
}

// NewFileTickRepository 创建写入 path 的文件仓库，必要时创建父目录。
func NewFileTickRepository(path string) (*FileTickRepository, error) {
	if path == "" {
		path = "ticks.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileTickRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录成交结果。
func (f *FileTickRepository) Save(_ context.Context, record TickRecord) error {
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "成交记录缺少 ID")
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化成交记录失败")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开成交日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入成交日志失败")
	}

	f.records = prepend(f.records, cloneRecord(record))
	return nil
}

// ListLatest 返回最近的成交记录，按时间倒序排列。
func (f *FileTickRepository) ListLatest(_ context.Context, limit int) ([]TickRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return latest(f.records, limit), nil
}

// Close 实现 TickRepository。文件在每次写入后即关闭。
func (f *FileTickRepository) Close() error { return nil }

func (f *FileTickRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取成交日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []TickRecord
	for scanner.Scan() {
		var record TickRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = prepend(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析成交日志失败")
	}
	f.records = restored
	return nil
}

func prepend(records []TickRecord, record TickRecord) []TickRecord {
	records = append([]TickRecord{record}, records...)
	if len(records) > retainedRecords {
		records = records[:retainedRecords]
	}
	return records
}

func latest(records []TickRecord, limit int) []TickRecord {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > len(records) {
		limit = len(records)
	}
	results := make([]TickRecord, limit)
	for i := range results {
		results[i] = cloneRecord(records[i])
	}
	return results
}

func cloneRecord(record TickRecord) TickRecord {
	if record.Legs != nil {
		record.Legs = append([]LegRecord(nil), record.Legs...)
	}
	return record
}

// Driver 名称。
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverMySQL  = "mysql"
)

// OpenTickRepository 按驱动名称创建成交记录仓库。
func OpenTickRepository(ctx context.Context, driver string, cfg Config, path string) (TickRepository, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryTickRepository(), nil
	case DriverFile:
		return NewFileTickRepository(path)
	case DriverMySQL:
		return NewSQLTickRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}
