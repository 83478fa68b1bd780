package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"CognitiveMesh/internal/graph"
)

// GraphStore 实现 graph.Journal 与 graph.Loader。写入采用 upsert，重放同一记录是幂等的。
type GraphStore struct {
	db *sql.DB
}

var (
	_ graph.Journal = (*GraphStore)(nil)
	_ graph.Loader  = (*GraphStore)(nil)
)

const upsertAgentSQL = `INSERT INTO agents
    (id, name, capabilities, trust_score, trust_updated_at, chain, status, source_chain, source_agent_id, metadata, last_active_at, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE name = VALUES(name), capabilities = VALUES(capabilities), trust_score = VALUES(trust_score),
    trust_updated_at = VALUES(trust_updated_at), status = VALUES(status), metadata = VALUES(metadata),
    last_active_at = VALUES(last_active_at), updated_at = VALUES(updated_at)`

const upsertPathwaySQL = `INSERT INTO pathways
    (id, source_id, target_id, strength, bidirectional, cross_chain, usage_count, success_count, failure_count, last_used_at,
    token_chain, token_id, token_tx_hash, token_minted_at, status, metadata, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE strength = VALUES(strength), usage_count = VALUES(usage_count), success_count = VALUES(success_count),
    failure_count = VALUES(failure_count), last_used_at = VALUES(last_used_at), token_chain = VALUES(token_chain),
    token_id = VALUES(token_id), token_tx_hash = VALUES(token_tx_hash), token_minted_at = VALUES(token_minted_at),
    status = VALUES(status), metadata = VALUES(metadata), updated_at = VALUES(updated_at)`

const insertLinkSQL = `INSERT INTO chain_links (canonical_id, chain, mirror_id, created_at) VALUES (?, ?, ?, ?)`

const selectAgentsSQL = `SELECT id, name, capabilities, trust_score, trust_updated_at, chain, status, source_chain, source_agent_id, metadata, last_active_at, created_at, updated_at
    FROM agents ORDER BY created_at, id`

const selectPathwaysSQL = `SELECT id, source_id, target_id, strength, bidirectional, cross_chain, usage_count, success_count, failure_count, last_used_at,
    token_chain, token_id, token_tx_hash, token_minted_at, status, metadata, created_at, updated_at
    FROM pathways ORDER BY created_at, id`

const selectLinksSQL = `SELECT canonical_id, chain, mirror_id, created_at FROM chain_links ORDER BY canonical_id, chain`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveAgent 实现 graph.Journal。
func (s *GraphStore) SaveAgent(ctx context.Context, a graph.Agent) error {
	return saveAgent(ctx, s.db, a)
}

func saveAgent(ctx context.Context, db execer, a graph.Agent) error {
	caps, err := encodeJSON(a.Capabilities, "[]")
	if err != nil {
		return err
	}
	meta, err := encodeJSON(a.Metadata, "{}")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, upsertAgentSQL,
		a.ID, a.Name, caps, a.TrustScore, toMicros(a.TrustUpdatedAt), a.Chain, string(a.Status),
		a.SourceChain, a.SourceAgentID, meta, toMicros(a.LastActiveAt), toMicros(a.CreatedAt), toMicros(a.UpdatedAt),
	); err != nil {
		return fmt.Errorf("写入智能体 %s 失败: %w", a.ID, err)
	}
	return nil
}

// SavePathway 实现 graph.Journal。
func (s *GraphStore) SavePathway(ctx context.Context, p graph.Pathway) error {
	return savePathway(ctx, s.db, p)
}

func savePathway(ctx context.Context, db execer, p graph.Pathway) error {
	meta, err := encodeJSON(p.Metadata, "{}")
	if err != nil {
		return err
	}
	var lastUsed sql.NullInt64
	if p.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMicros(*p.LastUsedAt), Valid: true}
	}
	var token graph.TokenHandle
	if p.Token != nil {
		token = *p.Token
	}
	if _, err := db.ExecContext(ctx, upsertPathwaySQL,
		p.ID, p.SourceID, p.TargetID, p.Strength, p.Bidirectional, p.CrossChain,
		p.UsageCount, p.SuccessCount, p.FailureCount, lastUsed,
		token.Chain, token.TokenID, token.TxHash, toMicros(token.MintedAt),
		string(p.Status), meta, toMicros(p.CreatedAt), toMicros(p.UpdatedAt),
	); err != nil {
		if isDuplicateEntry(err) {
			return graph.ErrDuplicatePathway
		}
		return fmt.Errorf("写入通路 %s 失败: %w", p.ID, err)
	}
	return nil
}

// SaveUsage 在一个事务内写入调用后的通路与目标智能体。
func (s *GraphStore) SaveUsage(ctx context.Context, p graph.Pathway, target graph.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启调用事务失败: %w", err)
	}
	if err := savePathway(ctx, tx, p); err != nil {
		tx.Rollback()
		return err
	}
	if err := saveAgent(ctx, tx, target); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交调用事务失败: %w", err)
	}
	return nil
}

// SaveMirror 在一个事务内写入镜像智能体与链接。
func (s *GraphStore) SaveMirror(ctx context.Context, mirror graph.Agent, link graph.ChainLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启镜像事务失败: %w", err)
	}
	if err := saveAgent(ctx, tx, mirror); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, insertLinkSQL, link.CanonicalID, link.Chain, link.MirrorID, toMicros(link.CreatedAt)); err != nil {
		tx.Rollback()
		if isDuplicateEntry(err) {
			return graph.ErrDuplicateLink
		}
		return fmt.Errorf("写入链接失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交镜像事务失败: %w", err)
	}
	return nil
}

// LoadSnapshot 实现 graph.Loader。
func (s *GraphStore) LoadSnapshot(ctx context.Context) (graph.Snapshot, error) {
	var snap graph.Snapshot
	var err error
	if snap.Agents, err = s.loadAgents(ctx); err != nil {
		return graph.Snapshot{}, err
	}
	if snap.Pathways, err = s.loadPathways(ctx); err != nil {
		return graph.Snapshot{}, err
	}
	if snap.Links, err = s.loadLinks(ctx); err != nil {
		return graph.Snapshot{}, err
	}
	return snap, nil
}

func (s *GraphStore) loadAgents(ctx context.Context) ([]graph.Agent, error) {
	rows, err := s.db.QueryContext(ctx, selectAgentsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询智能体失败: %w", err)
	}
	defer rows.Close()

	var out []graph.Agent
	for rows.Next() {
		var (
			a                                     graph.Agent
			caps, meta, status                    string
			trustAt, lastActive, created, updated int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &caps, &a.TrustScore, &trustAt, &a.Chain, &status,
			&a.SourceChain, &a.SourceAgentID, &meta, &lastActive, &created, &updated); err != nil {
			return nil, fmt.Errorf("解析智能体失败: %w", err)
		}
		if err := decodeJSON(caps, &a.Capabilities); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &a.Metadata); err != nil {
			return nil, err
		}
		a.Status = graph.AgentStatus(status)
		a.TrustUpdatedAt = fromMicros(trustAt)
		a.LastActiveAt = fromMicros(lastActive)
		a.CreatedAt = fromMicros(created)
		a.UpdatedAt = fromMicros(updated)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历智能体失败: %w", err)
	}
	return out, nil
}

func (s *GraphStore) loadPathways(ctx context.Context) ([]graph.Pathway, error) {
	rows, err := s.db.QueryContext(ctx, selectPathwaysSQL)
	if err != nil {
		return nil, fmt.Errorf("查询通路失败: %w", err)
	}
	defer rows.Close()

	var out []graph.Pathway
	for rows.Next() {
		var (
			p                graph.Pathway
			lastUsed         sql.NullInt64
			token            graph.TokenHandle
			mintedAt         int64
			status, meta     string
			created, updated int64
		)
		if err := rows.Scan(&p.ID, &p.SourceID, &p.TargetID, &p.Strength, &p.Bidirectional, &p.CrossChain,
			&p.UsageCount, &p.SuccessCount, &p.FailureCount, &lastUsed,
			&token.Chain, &token.TokenID, &token.TxHash, &mintedAt, &status, &meta, &created, &updated); err != nil {
			return nil, fmt.Errorf("解析通路失败: %w", err)
		}
		if err := decodeJSON(meta, &p.Metadata); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			ts := fromMicros(lastUsed.Int64)
			p.LastUsedAt = &ts
		}
		if token.TokenID != "" {
			token.MintedAt = fromMicros(mintedAt)
			p.Token = &token
		}
		p.Status = graph.PathwayStatus(status)
		p.CreatedAt = fromMicros(created)
		p.UpdatedAt = fromMicros(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历通路失败: %w", err)
	}
	return out, nil
}

func (s *GraphStore) loadLinks(ctx context.Context) ([]graph.ChainLink, error) {
	rows, err := s.db.QueryContext(ctx, selectLinksSQL)
	if err != nil {
		return nil, fmt.Errorf("查询链接失败: %w", err)
	}
	defer rows.Close()

	var out []graph.ChainLink
	for rows.Next() {
		var link graph.ChainLink
		var created int64
		if err := rows.Scan(&link.CanonicalID, &link.Chain, &link.MirrorID, &created); err != nil {
			return nil, fmt.Errorf("解析链接失败: %w", err)
		}
		link.CreatedAt = fromMicros(created)
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历链接失败: %w", err)
	}
	return out, nil
}

func encodeJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化字段失败: %w", err)
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("解析字段失败: %w", err)
	}
	return nil
}
