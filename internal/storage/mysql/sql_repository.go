package mysql

import (
	"context"
	"database/sql"
	"strings"

	xerrors "VaultTrader/internal/errors"
)

const (
	insertTickSQL = `INSERT INTO trade_ticks
        (id, status, error_code, error, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	insertLegSQL = `INSERT INTO trade_legs
        (tick_id, seq, side, route, fee, token_in, token_out, amount_in, amount_out_min, amount_out, tx_hash, nonce, block_number, status, error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectTicksSQL = `SELECT id, status, error_code, error, started_at, finished_at
        FROM trade_ticks ORDER BY started_at DESC LIMIT ?`
	selectLegsSQL = `SELECT tick_id, side, route, fee, token_in, token_out, amount_in, amount_out_min, amount_out, tx_hash, nonce, block_number, status, error
        FROM trade_legs WHERE tick_id IN (%s) ORDER BY tick_id, seq`
)

// SQLTickRepository 使用 MySQL 存储成交记录，表结构由内置迁移维护。
type SQLTickRepository struct {
	db *sql.DB
}

// NewSQLTickRepository 创建连接池并执行尚未应用的迁移。
func NewSQLTickRepository(ctx context.Context, cfg Config) (*SQLTickRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLTickRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化成交记录表失败")
	}
	return repo, nil
}

// Save 在一个事务内写入触发记录及其各腿。
func (s *SQLTickRepository) Save(ctx context.Context, record TickRecord) error {
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "成交记录缺少 ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	if _, err := tx.ExecContext(ctx, insertTickSQL,
		record.ID,
		record.Status,
		record.ErrorCode,
		nullString(record.Error),
		record.StartedAt,
		record.FinishedAt,
	); err != nil {
		tx.Rollback()
		if isDuplicateEntry(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "成交记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入成交记录失败")
	}

	for i, leg := range record.Legs {
		if _, err := tx.ExecContext(ctx, insertLegSQL,
			record.ID,
			i,
			leg.Side,
			leg.Route,
			int64(leg.Fee),
			leg.TokenIn,
			leg.TokenOut,
			leg.AmountIn,
			leg.AmountOutMin,
			leg.AmountOut,
			leg.TxHash,
			int64(leg.Nonce),
			int64(leg.Block),
			leg.Status,
			nullString(leg.Error),
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入成交腿失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// ListLatest 查询最近的若干条成交记录。
func (s *SQLTickRepository) ListLatest(ctx context.Context, limit int) ([]TickRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectTicksSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询成交记录失败")
	}
	var (
		records []TickRecord
		index   = make(map[string]int)
	)
	for rows.Next() {
		var (
			record  TickRecord
			message sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.Status, &record.ErrorCode, &message, &record.StartedAt, &record.FinishedAt); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析成交记录失败")
		}
		record.Error = message.String
		index[record.ID] = len(records)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历成交记录失败")
	}
	rows.Close()

	if len(records) == 0 {
		return records, nil
	}
	if err := s.attachLegs(ctx, records, index); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLTickRepository) attachLegs(ctx context.Context, records []TickRecord, index map[string]int) error {
	placeholders := make([]string, len(records))
	args := make([]any, len(records))
	for i, record := range records {
		placeholders[i] = "?"
		args[i] = record.ID
	}
	query := strings.Replace(selectLegsSQL, "%s", strings.Join(placeholders, ", "), 1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询成交腿失败")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tickID  string
			leg     LegRecord
			fee     int64
			nonce   int64
			block   int64
			message sql.NullString
		)
		if err := rows.Scan(&tickID, &leg.Side, &leg.Route, &fee, &leg.TokenIn, &leg.TokenOut,
			&leg.AmountIn, &leg.AmountOutMin, &leg.AmountOut, &leg.TxHash, &nonce, &block, &leg.Status, &message); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析成交腿失败")
		}
		leg.Fee = uint32(fee)
		leg.Nonce = uint64(nonce)
		leg.Block = uint64(block)
		leg.Error = message.String
		if i, ok := index[tickID]; ok {
			records[i].Legs = append(records[i].Legs, leg)
		}
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历成交腿失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLTickRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
