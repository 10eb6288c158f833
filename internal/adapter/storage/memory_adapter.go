package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

// MemoryStore keeps every table in process memory and emulates pessimistic
// row locks: a row locked by one transaction blocks every other
// transaction's lock request on it until commit or rollback. Writes are
// applied in place and undone on rollback.
type MemoryStore struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	batches     map[string]domain.InventoryBatch
	allocations map[string]storedAllocation
	allocSeq    int64
	wallets     map[string]domain.Wallet
	walletUsers map[string]string
	ledger      map[string][]domain.LedgerTransaction
	jobs        map[string]domain.JobExecution
	payments    map[string]domain.Payment
	audit       []domain.AuditEntry
	settings    map[string]string

	locks *lockTable
}

type storedAllocation struct {
	seq int64
	domain.Allocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:    make(map[string]domain.Product),
		batches:     make(map[string]domain.InventoryBatch),
		allocations: make(map[string]storedAllocation),
		wallets:     make(map[string]domain.Wallet),
		walletUsers: make(map[string]string),
		ledger:      make(map[string][]domain.LedgerTransaction),
		jobs:        make(map[string]domain.JobExecution),
		payments:    make(map[string]domain.Payment),
		settings:    make(map[string]string),
		locks:       newLockTable(),
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) (err error) {
	tx := &memTx{store: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
			return
		}
		tx.commit()
	}()
	return fn(ctx, tx)
}

// Seeding and inspection helpers.

func (s *MemoryStore) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *MemoryStore) PutBatch(b domain.InventoryBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
		b.UpdatedAt = b.CreatedAt
	}
	s.batches[b.ID] = b
}

func (s *MemoryStore) PutPayment(p domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

func (s *MemoryStore) PutWallet(w domain.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
	s.walletUsers[w.UserRef] = w.ID
}

func (s *MemoryStore) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

func (s *MemoryStore) Batch(id string) (domain.InventoryBatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	return b, ok
}

func (s *MemoryStore) Payment(id string) (domain.Payment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	return p, ok
}

func (s *MemoryStore) WalletByUser(userRef string) (domain.Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[s.walletUsers[userRef]]
	return w, ok
}

// Allocations returns the payment's allocation records, compensations
// included, in insertion order.
func (s *MemoryStore) Allocations(paymentRef string) []domain.Allocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]storedAllocation, 0)
	for _, a := range s.allocations {
		if a.PaymentRef == paymentRef {
			rows = append(rows, a)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.Allocation, len(rows))
	for i, r := range rows {
		out[i] = r.Allocation
	}
	return out
}

func (s *MemoryStore) AllocationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allocations)
}

func (s *MemoryStore) AuditEntries() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditEntry(nil), s.audit...)
}

func (s *MemoryStore) Job(key, jobClass string) (domain.JobExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobKey(key, jobClass)]
	return j, ok
}

// Reader and collaborator implementations.

func (s *MemoryStore) ListProductRefs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.products))
	for id := range s.products {
		seen[id] = true
	}
	for _, b := range s.batches {
		seen[b.ProductRef] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, walletRef string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[walletRef]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &w, nil
}

func (s *MemoryStore) ListLedgerTransactions(_ context.Context, walletRef string) ([]domain.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.wallets[walletRef]; !ok {
		return nil, domain.ErrWalletNotFound
	}
	return append([]domain.LedgerTransaction(nil), s.ledger[walletRef]...), nil
}

func (s *MemoryStore) Record(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) FlagPayment(_ context.Context, paymentRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentRef]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.IsFlagged = true
	p.FlagReason = reason
	s.payments[paymentRef] = p
	return nil
}

func (s *MemoryStore) Bool(_ context.Context, key string, fallback bool) (bool, error) {
	s.mu.RLock()
	raw, ok := s.settings[key]
	s.mu.RUnlock()
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}

// memTx is one emulated transaction. It is used by a single goroutine.
type memTx struct {
	store *MemoryStore
	held  []string
	undo  []func()
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if err := t.store.locks.acquire(ctx, key, t); err != nil {
		return err
	}
	for _, k := range t.held {
		if k == key {
			return nil
		}
	}
	t.held = append(t.held, key)
	return nil
}

func (t *memTx) commit() {
	t.undo = nil
	t.store.locks.release(t, t.held)
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.store.locks.release(t, t.held)
}

func (t *memTx) LockAllocatableBatches(ctx context.Context) ([]domain.BatchSlot, error) {
	t.store.mu.RLock()
	var candidates []domain.InventoryBatch
	for _, b := range t.store.batches {
		if p, ok := t.store.products[b.ProductRef]; ok && p.IsActive {
			candidates = append(candidates, b)
		}
	}
	t.store.mu.RUnlock()

	locked, err := t.lockBatchRows(ctx, candidates)
	if err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	slots := make([]domain.BatchSlot, 0, len(locked))
	for _, b := range locked {
		if !b.Remaining.IsPositive() {
			continue
		}
		p := t.store.products[b.ProductRef]
		slots = append(slots, domain.BatchSlot{Batch: b, FaceValuePerUnit: p.FaceValuePerUnit, ProductActive: p.IsActive})
	}
	return slots, nil
}

func (t *memTx) LockProductBatches(ctx context.Context, productRef string) ([]domain.InventoryBatch, error) {
	t.store.mu.RLock()
	var candidates []domain.InventoryBatch
	for _, b := range t.store.batches {
		if b.ProductRef == productRef {
			candidates = append(candidates, b)
		}
	}
	t.store.mu.RUnlock()
	return t.lockBatchRows(ctx, candidates)
}

func (t *memTx) LockProductsBatches(ctx context.Context, productRefs []string) ([]domain.InventoryBatch, error) {
	wanted := make(map[string]bool, len(productRefs))
	for _, p := range productRefs {
		wanted[p] = true
	}
	t.store.mu.RLock()
	var candidates []domain.InventoryBatch
	for _, b := range t.store.batches {
		if wanted[b.ProductRef] {
			candidates = append(candidates, b)
		}
	}
	t.store.mu.RUnlock()
	return t.lockBatchRows(ctx, candidates)
}

// lockBatchRows locks in purchase order and re-reads each row once its lock
// is held.
func (t *memTx) lockBatchRows(ctx context.Context, batches []domain.InventoryBatch) ([]domain.InventoryBatch, error) {
	sortFIFO(batches)
	for _, b := range batches {
		if err := t.lock(ctx, "batch:"+b.ID); err != nil {
			return nil, err
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := make([]domain.InventoryBatch, 0, len(batches))
	for _, b := range batches {
		out = append(out, t.store.batches[b.ID])
	}
	return out, nil
}

func (t *memTx) UpdateBatchRemaining(_ context.Context, batchRef string, remaining decimal.Decimal) error {
	if !t.holds("batch:" + batchRef) {
		return fmt.Errorf("batch %s updated without lock", batchRef)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, ok := t.store.batches[batchRef]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchRef, domain.ErrNotFound)
	}
	next := prev
	next.Remaining = remaining
	next.UpdatedAt = time.Now().UTC()
	t.store.batches[batchRef] = next
	t.undo = append(t.undo, func() { t.store.batches[batchRef] = prev })
	return nil
}

func (t *memTx) InsertAllocation(_ context.Context, a *domain.Allocation) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.allocations[a.ID]; exists {
		return fmt.Errorf("allocation %s already exists", a.ID)
	}
	t.store.allocSeq++
	t.store.allocations[a.ID] = storedAllocation{seq: t.store.allocSeq, Allocation: *a}
	id := a.ID
	t.undo = append(t.undo, func() { delete(t.store.allocations, id) })
	return nil
}

func (t *memTx) SumActiveAllocated(_ context.Context, productRef string) (decimal.Decimal, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	sum := decimal.Zero
	for _, a := range t.store.allocations {
		if a.ProductRef == productRef && a.Active() {
			sum = sum.Add(a.ValueAllocated)
		}
	}
	return sum, nil
}

func (t *memTx) LockActiveAllocations(ctx context.Context, paymentRef string) ([]domain.Allocation, error) {
	t.store.mu.RLock()
	var rows []storedAllocation
	for _, a := range t.store.allocations {
		if a.PaymentRef == paymentRef && a.Active() {
			rows = append(rows, a)
		}
	}
	t.store.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]domain.Allocation, 0, len(rows))
	for _, r := range rows {
		if err := t.lock(ctx, "allocation:"+r.ID); err != nil {
			return nil, err
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, r := range rows {
		if current, ok := t.store.allocations[r.ID]; ok && current.Active() {
			out = append(out, current.Allocation)
		}
	}
	return out, nil
}

func (t *memTx) MarkAllocationReversed(_ context.Context, allocationRef, reason string, at time.Time) error {
	if !t.holds("allocation:" + allocationRef) {
		return fmt.Errorf("allocation %s updated without lock", allocationRef)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, ok := t.store.allocations[allocationRef]
	if !ok {
		return fmt.Errorf("allocation %s: %w", allocationRef, domain.ErrNotFound)
	}
	next := prev
	reversedAt := at
	next.IsReversed = true
	next.ReversalReason = reason
	next.ReversedAt = &reversedAt
	t.store.allocations[allocationRef] = next
	t.undo = append(t.undo, func() { t.store.allocations[allocationRef] = prev })
	return nil
}

func (t *memTx) LockWalletByUser(ctx context.Context, userRef string) (*domain.Wallet, error) {
	if err := t.lock(ctx, "wallet-user:"+userRef); err != nil {
		return nil, err
	}

	t.store.mu.Lock()
	id, ok := t.store.walletUsers[userRef]
	if !ok {
		w := domain.NewWallet(userRef)
		id = w.ID
		t.store.wallets[id] = *w
		t.store.walletUsers[userRef] = id
		t.undo = append(t.undo, func() {
			delete(t.store.wallets, id)
			delete(t.store.walletUsers, userRef)
			delete(t.store.ledger, id)
		})
	}
	t.store.mu.Unlock()

	return t.LockWallet(ctx, id)
}

func (t *memTx) LockWallet(ctx context.Context, walletRef string) (*domain.Wallet, error) {
	if err := t.lock(ctx, "wallet:"+walletRef); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	w, ok := t.store.wallets[walletRef]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &w, nil
}

func (t *memTx) UpdateWalletBalances(_ context.Context, w *domain.Wallet) error {
	if !t.holds("wallet:" + w.ID) {
		return fmt.Errorf("wallet %s updated without lock", w.ID)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, ok := t.store.wallets[w.ID]
	if !ok {
		return domain.ErrWalletNotFound
	}
	next := prev
	next.Balance = w.Balance
	next.LockedBalance = w.LockedBalance
	next.UpdatedAt = w.UpdatedAt
	t.store.wallets[w.ID] = next
	t.undo = append(t.undo, func() {
		if _, ok := t.store.wallets[w.ID]; ok {
			t.store.wallets[w.ID] = prev
		}
	})
	return nil
}

func (t *memTx) InsertLedgerTransaction(_ context.Context, row *domain.LedgerTransaction) error {
	if !t.holds("wallet:" + row.WalletRef) {
		return fmt.Errorf("ledger row for wallet %s written without lock", row.WalletRef)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	walletRef := row.WalletRef
	n := len(t.store.ledger[walletRef])
	t.store.ledger[walletRef] = append(t.store.ledger[walletRef], *row)
	t.undo = append(t.undo, func() {
		if rows, ok := t.store.ledger[walletRef]; ok && len(rows) > n {
			t.store.ledger[walletRef] = rows[:n]
		}
	})
	return nil
}

func (t *memTx) LockJob(ctx context.Context, key, jobClass string) (*domain.JobExecution, error) {
	k := jobKey(key, jobClass)
	if err := t.lock(ctx, "job:"+k); err != nil {
		return nil, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	j, ok := t.store.jobs[k]
	if !ok {
		j = *domain.NewJobExecution(key, jobClass)
		t.store.jobs[k] = j
		t.undo = append(t.undo, func() { delete(t.store.jobs, k) })
	}
	return &j, nil
}

func (t *memTx) SaveJob(_ context.Context, j *domain.JobExecution) error {
	k := jobKey(j.IdempotencyKey, j.JobClass)
	if !t.holds("job:" + k) {
		return fmt.Errorf("job %s saved without lock", k)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, existed := t.store.jobs[k]
	t.store.jobs[k] = *j
	t.undo = append(t.undo, func() {
		if existed {
			t.store.jobs[k] = prev
		} else {
			delete(t.store.jobs, k)
		}
	})
	return nil
}

func (t *memTx) holds(key string) bool {
	for _, k := range t.held {
		if k == key {
			return true
		}
	}
	return false
}

func jobKey(key, jobClass string) string {
	return jobClass + "/" + key
}

func sortFIFO(batches []domain.InventoryBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].PurchaseDate.Equal(batches[j].PurchaseDate) {
			return batches[i].PurchaseDate.Before(batches[j].PurchaseDate)
		}
		return batches[i].ID < batches[j].ID
	})
}

// lockTable hands out exclusive, reentrant row locks keyed by string.
type lockTable struct {
	mu    sync.Mutex
	owned map[string]*rowLock
}

type rowLock struct {
	owner    *memTx
	released chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{owned: make(map[string]*rowLock)}
}

func (l *lockTable) acquire(ctx context.Context, key string, tx *memTx) error {
	for {
		l.mu.Lock()
		rl, ok := l.owned[key]
		if !ok {
			l.owned[key] = &rowLock{owner: tx, released: make(chan struct{})}
			l.mu.Unlock()
			return nil
		}
		if rl.owner == tx {
			l.mu.Unlock()
			return nil
		}
		wait := rl.released
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("wait for lock %s: %w", key, ctx.Err())
		}
	}
}

func (l *lockTable) release(tx *memTx, keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if rl, ok := l.owned[k]; ok && rl.owner == tx {
			delete(l.owned, k)
			close(rl.released)
		}
	}
}

func (s *MemoryStore) RecordPayment(_ context.Context, p domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		s.payments[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) UpsertProduct(_ context.Context, p domain.Product) error {
	s.PutProduct(p)
	return nil
}

func (s *MemoryStore) UpsertBatch(_ context.Context, b domain.InventoryBatch) error {
	s.PutBatch(b)
	return nil
}
