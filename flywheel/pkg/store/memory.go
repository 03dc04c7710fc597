package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/shopspring/decimal"
)

type claimKey struct {
	epochID uint64
	address string
}

// Memory is an in-process rewards.Store. Every mutation holds one lock, so
// the claim insert and counter update are atomic with respect to readers.
type Memory struct {
	mu        sync.RWMutex
	epochs    map[uint64]rewards.Epoch
	currentID uint64
	claims    map[claimKey]rewards.ClaimRecord
	counters  rewards.Counters
	standings map[string]rewards.Standing
	logs      []rewards.LogEntry
	history   []rewards.HistoryPoint
	runs      map[uint64]uuid.UUID
}

var _ rewards.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		epochs:    map[uint64]rewards.Epoch{},
		claims:    map[claimKey]rewards.ClaimRecord{},
		standings: map[string]rewards.Standing{},
		runs:      map[uint64]uuid.UUID{},
		counters:  rewards.Counters{Distributed: decimal.Zero, Burned: decimal.Zero},
	}
}

func (m *Memory) CurrentEpoch(ctx context.Context) (*rewards.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentID == 0 {
		return nil, rewards.ErrNotFound
	}
	e := m.epochs[m.currentID]
	return &e, nil
}

func (m *Memory) Epoch(ctx context.Context, id uint64) (*rewards.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[id]
	if !ok {
		return nil, rewards.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) CreateEpoch(ctx context.Context, e rewards.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentID != 0 {
		return fmt.Errorf("epoch %d already open", m.currentID)
	}
	m.epochs[e.ID] = e
	m.currentID = e.ID
	return nil
}

func (m *Memory) AdvanceEpoch(ctx context.Context, closedID uint64, closedAt time.Time, next rewards.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentID != closedID {
		return fmt.Errorf("epoch %d is not open (open: %d)", closedID, m.currentID)
	}
	if _, ok := m.epochs[next.ID]; ok {
		return fmt.Errorf("epoch %d already exists", next.ID)
	}
	closed := m.epochs[closedID]
	closed.EndTime = &closedAt
	m.epochs[closedID] = closed
	m.epochs[next.ID] = next
	m.currentID = next.ID
	return nil
}

func (m *Memory) HasClaimed(ctx context.Context, epochID uint64, address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.claims[claimKey{epochID, address}]
	return ok, nil
}

func (m *Memory) InsertClaim(ctx context.Context, rec rewards.ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := claimKey{rec.EpochID, rec.Address}
	if _, ok := m.claims[k]; ok {
		return rewards.ErrDuplicateClaim
	}
	m.claims[k] = rec
	m.counters.Distributed = m.counters.Distributed.Add(rec.Amount)
	m.counters.Burned = m.counters.Burned.Add(rec.BurnAmount)
	m.counters.Claims++
	return nil
}

func (m *Memory) Counters(ctx context.Context) (rewards.Counters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters, nil
}

func (m *Memory) AddDistributed(ctx context.Context, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Distributed = m.counters.Distributed.Add(amount)
	return nil
}

func (m *Memory) MarkDistributed(ctx context.Context, epochID uint64, run uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[epochID]; ok {
		return rewards.ErrAlreadyDistributed
	}
	m.runs[epochID] = run
	return nil
}

func (m *Memory) IsDistributed(ctx context.Context, epochID uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runs[epochID]
	return ok, nil
}

func (m *Memory) LoadStandings(ctx context.Context) ([]rewards.Standing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rewards.Standing, 0, len(m.standings))
	for _, s := range m.standings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *Memory) SaveStandings(ctx context.Context, standings []rewards.Standing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range standings {
		m.standings[s.Address] = s
	}
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, entry rewards.LogEntry, retain int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = trimTail(append(m.logs, entry), retain)
	return nil
}

// RecentLogs returns the newest entries first.
func (m *Memory) RecentLogs(ctx context.Context, limit int) ([]rewards.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.logs, limit), nil
}

func (m *Memory) AppendHistory(ctx context.Context, point rewards.HistoryPoint, retain int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = trimTail(append(m.history, point), retain)
	return nil
}

// History returns the newest points in chronological order.
func (m *Memory) History(ctx context.Context, limit int) ([]rewards.HistoryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	return append([]rewards.HistoryPoint(nil), m.history[start:]...), nil
}

func trimTail[T any](s []T, retain int) []T {
	if retain > 0 && len(s) > retain {
		return append(s[:0:0], s[len(s)-retain:]...)
	}
	return s
}

func newestFirst[T any](s []T, limit int) []T {
	n := len(s)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(s) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s[i])
	}
	return out
}
