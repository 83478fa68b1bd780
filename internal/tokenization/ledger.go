package tokenization

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Ledger 持久化铸造状态。所有写操作都是原子的状态转换。
type Ledger interface {
	Get(ctx context.Context, pathwayID string) (MintRecord, bool, error)
	Claim(ctx context.Context, req ClaimRequest) (MintRecord, error)
	MarkSubmitted(ctx context.Context, pathwayID, txHash string) (MintRecord, error)
	Complete(ctx context.Context, pathwayID string, c Completion) (MintRecord, bool, error)
	MarkFailed(ctx context.Context, pathwayID, txHash, reason string) (MintRecord, error)
	List(ctx context.Context, state State) ([]MintRecord, error)
}

// MemoryLedger 以内存方式保存铸造状态。
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]MintRecord
	now     func() time.Time
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]MintRecord), now: time.Now}
}

var _ Ledger = (*MemoryLedger)(nil)

// Get 实现 Ledger。
func (m *MemoryLedger) Get(_ context.Context, pathwayID string) (MintRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pathwayID]
	return rec, ok, nil
}

// Claim 实现 Ledger。
func (m *MemoryLedger) Claim(_ context.Context, req ClaimRequest) (MintRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[req.PathwayID]
	next, err := rec.Claim(req, m.now().UTC())
	if err != nil {
		return next, err
	}
	m.records[req.PathwayID] = next
	return next, nil
}

// MarkSubmitted 实现 Ledger。
func (m *MemoryLedger) MarkSubmitted(_ context.Context, pathwayID, txHash string) (MintRecord, error) {
	return m.update(pathwayID, func(rec MintRecord) (MintRecord, error) {
		return rec.Submitted(txHash, m.now().UTC())
	})
}

// Complete 实现 Ledger。不存在的记录按采纳处理。
func (m *MemoryLedger) Complete(_ context.Context, pathwayID string, c Completion) (MintRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pathwayID]
	if !ok {
		rec = MintRecord{PathwayID: pathwayID, State: StateUntokenized}
	}
	next, changed, err := rec.Complete(c, m.now().UTC())
	if err != nil || !changed {
		return next, changed, err
	}
	m.records[pathwayID] = next
	return next, true, nil
}

// MarkFailed 实现 Ledger。
func (m *MemoryLedger) MarkFailed(_ context.Context, pathwayID, txHash, reason string) (MintRecord, error) {
	return m.update(pathwayID, func(rec MintRecord) (MintRecord, error) {
		return rec.Fail(txHash, reason, m.now().UTC())
	})
}

// List 实现 Ledger。state 为空时返回全部记录。
func (m *MemoryLedger) List(_ context.Context, state State) ([]MintRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MintRecord, 0, len(m.records))
	for _, rec := range m.records {
		if state == "" || rec.State == state {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryLedger) update(pathwayID string, fn func(MintRecord) (MintRecord, error)) (MintRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pathwayID]
	if !ok {
		return MintRecord{}, ErrMintNotFound
	}
	next, err := fn(rec)
	if err != nil {
		return next, err
	}
	m.records[pathwayID] = next
	return next, nil
}

func sortRecords(records []MintRecord) {
	slices.SortFunc(records, func(a, b MintRecord) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.PathwayID, b.PathwayID)
	})
}
