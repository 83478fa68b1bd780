package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CognitiveMesh/internal/tokenization"
)

// MintLedger 实现 tokenization.Ledger。每次状态转换在事务中以 SELECT ... FOR UPDATE
// 锁定记录后执行，多个实例共享同一张 pathway_mints 表时转换仍是原子的。
type MintLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ tokenization.Ledger = (*MintLedger)(nil)

const mintColumns = `pathway_id, state, chain, tx_hash, token_id, attempts, last_error, owner, uri, updated_at`

const (
	selectMintSQL          = `SELECT ` + mintColumns + ` FROM pathway_mints WHERE pathway_id = ?`
	selectMintForUpdateSQL = `SELECT ` + mintColumns + ` FROM pathway_mints WHERE pathway_id = ? FOR UPDATE`
	listMintsSQL           = `SELECT ` + mintColumns + ` FROM pathway_mints ORDER BY updated_at, pathway_id`
	listMintsByStateSQL    = `SELECT ` + mintColumns + ` FROM pathway_mints WHERE state = ? ORDER BY updated_at, pathway_id`
	insertMintSQL          = `INSERT INTO pathway_mints (` + mintColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateMintSQL          = `UPDATE pathway_mints SET state = ?, chain = ?, tx_hash = ?, token_id = ?, attempts = ?, last_error = ?, owner = ?, uri = ?, updated_at = ?
    WHERE pathway_id = ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMint(row rowScanner) (tokenization.MintRecord, error) {
	var (
		rec     tokenization.MintRecord
		state   string
		updated int64
	)
	if err := row.Scan(&rec.PathwayID, &state, &rec.Chain, &rec.TxHash, &rec.TokenID, &rec.Attempts,
		&rec.LastError, &rec.Owner, &rec.URI, &updated); err != nil {
		return tokenization.MintRecord{}, err
	}
	rec.State = tokenization.State(state)
	rec.UpdatedAt = fromMicros(updated)
	return rec, nil
}

// Get 实现 tokenization.Ledger。
func (l *MintLedger) Get(ctx context.Context, pathwayID string) (tokenization.MintRecord, bool, error) {
	rec, err := scanMint(l.db.QueryRowContext(ctx, selectMintSQL, pathwayID))
	if errors.Is(err, sql.ErrNoRows) {
		return tokenization.MintRecord{}, false, nil
	}
	if err != nil {
		return tokenization.MintRecord{}, false, fmt.Errorf("查询铸造记录失败: %w", err)
	}
	return rec, true, nil
}

// Claim 实现 tokenization.Ledger。
func (l *MintLedger) Claim(ctx context.Context, req tokenization.ClaimRequest) (tokenization.MintRecord, error) {
	rec, _, err := l.transition(ctx, req.PathwayID, func(rec tokenization.MintRecord, _ bool) (tokenization.MintRecord, bool, error) {
		next, err := rec.Claim(req, l.timestamp())
		return next, err == nil, err
	})
	return rec, err
}

// MarkSubmitted 实现 tokenization.Ledger。
func (l *MintLedger) MarkSubmitted(ctx context.Context, pathwayID, txHash string) (tokenization.MintRecord, error) {
	rec, _, err := l.transition(ctx, pathwayID, func(rec tokenization.MintRecord, exists bool) (tokenization.MintRecord, bool, error) {
		if !exists {
			return rec, false, tokenization.ErrMintNotFound
		}
		next, err := rec.Submitted(txHash, l.timestamp())
		return next, err == nil, err
	})
	return rec, err
}

// Complete 实现 tokenization.Ledger。不存在的记录按采纳处理。
func (l *MintLedger) Complete(ctx context.Context, pathwayID string, c tokenization.Completion) (tokenization.MintRecord, bool, error) {
	return l.transition(ctx, pathwayID, func(rec tokenization.MintRecord, exists bool) (tokenization.MintRecord, bool, error) {
		if !exists {
			rec = tokenization.MintRecord{PathwayID: pathwayID, State: tokenization.StateUntokenized}
		}
		return rec.Complete(c, l.timestamp())
	})
}

// MarkFailed 实现 tokenization.Ledger。
func (l *MintLedger) MarkFailed(ctx context.Context, pathwayID, txHash, reason string) (tokenization.MintRecord, error) {
	rec, _, err := l.transition(ctx, pathwayID, func(rec tokenization.MintRecord, exists bool) (tokenization.MintRecord, bool, error) {
		if !exists {
			return rec, false, tokenization.ErrMintNotFound
		}
		next, err := rec.Fail(txHash, reason, l.timestamp())
		return next, err == nil, err
	})
	return rec, err
}

// List 实现 tokenization.Ledger。
func (l *MintLedger) List(ctx context.Context, state tokenization.State) ([]tokenization.MintRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = l.db.QueryContext(ctx, listMintsSQL)
	} else {
		rows, err = l.db.QueryContext(ctx, listMintsByStateSQL, string(state))
	}
	if err != nil {
		return nil, fmt.Errorf("查询铸造记录失败: %w", err)
	}
	defer rows.Close()

	var out []tokenization.MintRecord
	for rows.Next() {
		rec, err := scanMint(rows)
		if err != nil {
			return nil, fmt.Errorf("解析铸造记录失败: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历铸造记录失败: %w", err)
	}
	return out, nil
}

func (l *MintLedger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

type transitionFunc func(rec tokenization.MintRecord, exists bool) (tokenization.MintRecord, bool, error)

// transition 锁定记录并应用 fn。fn 返回 changed=false 或错误时回滚，不写入。
func (l *MintLedger) transition(ctx context.Context, pathwayID string, fn transitionFunc) (tokenization.MintRecord, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return tokenization.MintRecord{}, false, fmt.Errorf("开启铸造事务失败: %w", err)
	}
	current, err := scanMint(tx.QueryRowContext(ctx, selectMintForUpdateSQL, pathwayID))
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return tokenization.MintRecord{}, false, fmt.Errorf("锁定铸造记录失败: %w", err)
	}

	next, changed, err := fn(current, exists)
	if err != nil || !changed {
		tx.Rollback()
		return next, changed, err
	}

	if exists {
		_, err = tx.ExecContext(ctx, updateMintSQL, string(next.State), next.Chain, next.TxHash, next.TokenID, next.Attempts,
			next.LastError, next.Owner, next.URI, toMicros(next.UpdatedAt), pathwayID)
	} else {
		_, err = tx.ExecContext(ctx, insertMintSQL, pathwayID, string(next.State), next.Chain, next.TxHash, next.TokenID,
			next.Attempts, next.LastError, next.Owner, next.URI, toMicros(next.UpdatedAt))
	}
	if err != nil {
		tx.Rollback()
		if !exists && isDuplicateEntry(err) {
			// 另一个实例在同一时刻插入了该记录。
			return next, false, tokenization.ErrMintInProgress
		}
		return next, false, fmt.Errorf("写入铸造记录失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return next, false, fmt.Errorf("提交铸造事务失败: %w", err)
	}
	return next, true, nil
}
