package core

// flow_budget.go – per-epoch send quotas and tamper-evident receipts.
//
// Every send is charged before the envelope leaves the process. Each charge
// produces a Receipt linked to the previous receipt hash, forming a chain
// per (context, peer, epoch); `spent` is strictly increasing along the
// chain. A sender that crashes mid-charge resumes from the persisted head.

import (
	"fmt"
	"sync"
)

// FlowBudget is the quota for one (context, peer) pair within an epoch.
type FlowBudget struct {
	Epoch        Epoch  `cbor:"1,keyasint"`
	Limit        uint64 `cbor:"2,keyasint"`
	Spent        uint64 `cbor:"3,keyasint"`
	ReceiptsHead Hash32 `cbor:"4,keyasint"`
}

// NewFlowBudget creates an unspent budget.
func NewFlowBudget(limit uint64, epoch Epoch) FlowBudget {
	return FlowBudget{Epoch: epoch, Limit: limit}
}

// Remaining returns the unspent quota.
func (b FlowBudget) Remaining() uint64 {
	if b.Spent >= b.Limit {
		return 0
	}
	return b.Limit - b.Spent
}

// Receipt is the signed proof of one flow-budget charge.
type Receipt struct {
	Context   ContextId `cbor:"1,keyasint"`
	Peer      DeviceId  `cbor:"2,keyasint"`
	Epoch     Epoch     `cbor:"3,keyasint"`
	Amount    uint64    `cbor:"4,keyasint"`
	Spent     uint64    `cbor:"5,keyasint"`
	PrevHash  Hash32    `cbor:"6,keyasint"`
	Timestamp uint64    `cbor:"7,keyasint"`
}

// Hash returns the chain link hash of this receipt.
func (r Receipt) Hash() Hash32 {
	raw, err := MarshalCanonical(r)
	if err != nil {
		panic(err)
	}
	return HashDomain("aura/receipt", raw)
}

// VerifyChain checks that consecutive receipts link by hash and spend
// strictly monotonically.
func VerifyChain(receipts []Receipt) error {
	for i := 1; i < len(receipts); i++ {
		prev, cur := receipts[i-1], receipts[i]
		if cur.PrevHash != prev.Hash() {
			return fmt.Errorf("%w: receipt %d prev-hash mismatch", ErrInvalid, i)
		}
		if cur.Spent <= prev.Spent {
			return fmt.Errorf("%w: receipt %d spent not increasing", ErrInvalid, i)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Flow ledger
//---------------------------------------------------------------------

type budgetKey struct {
	Context ContextId
	Peer    DeviceId
}

type budgetEntry struct {
	budget   FlowBudget
	receipts []Receipt
}

// FlowLedger owns the flow budgets for one account. The writer lock is held
// only for the charge-and-receipt step.
type FlowLedger struct {
	mu           sync.Mutex
	epoch        Epoch
	defaultLimit uint64
	entries      map[budgetKey]*budgetEntry
	clock        func() uint64
}

// NewFlowLedger creates a ledger with the given per-pair default limit.
func NewFlowLedger(defaultLimit uint64, epoch Epoch, clock func() uint64) *FlowLedger {
	return &FlowLedger{
		epoch:        epoch,
		defaultLimit: defaultLimit,
		entries:      make(map[budgetKey]*budgetEntry),
		clock:        clock,
	}
}

func (l *FlowLedger) entry(ctx ContextId, peer DeviceId) *budgetEntry {
	key := budgetKey{Context: ctx, Peer: peer}
	e, ok := l.entries[key]
	if !ok {
		e = &budgetEntry{budget: NewFlowBudget(l.defaultLimit, l.epoch)}
		l.entries[key] = e
	}
	return e
}

// Charge debits cost from the (context, peer) budget and appends a receipt.
// Exceeding the limit returns ErrInsufficientBudget and leaves the budget
// untouched.
func (l *FlowLedger) Charge(ctx ContextId, peer DeviceId, cost uint64) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(ctx, peer)
	if e.budget.Spent+cost > e.budget.Limit {
		return Receipt{}, fmt.Errorf("%w: cost %d, remaining %d", ErrInsufficientBudget, cost, e.budget.Remaining())
	}
	e.budget.Spent += cost
	r := Receipt{
		Context:   ctx,
		Peer:      peer,
		Epoch:     e.budget.Epoch,
		Amount:    cost,
		Spent:     e.budget.Spent,
		PrevHash:  e.budget.ReceiptsHead,
		Timestamp: l.clock(),
	}
	e.budget.ReceiptsHead = r.Hash()
	e.receipts = append(e.receipts, r)
	return r, nil
}

// Budget returns the current budget for a pair.
func (l *FlowLedger) Budget(ctx ContextId, peer DeviceId) FlowBudget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry(ctx, peer).budget
}

// SetBudget replaces a pair's budget, used when restoring a persisted head.
func (l *FlowLedger) SetBudget(ctx ContextId, peer DeviceId, b FlowBudget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(ctx, peer)
	e.budget = b
}

// Receipts returns every receipt recorded for a pair, oldest first. Each
// epoch's receipts form their own chain from a zero head. Receipts are never
// deleted except by snapshot.
func (l *FlowLedger) Receipts(ctx ContextId, peer DeviceId) []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(ctx, peer)
	out := make([]Receipt, len(e.receipts))
	copy(out, e.receipts)
	return out
}

// Rotate resets every budget for the new epoch. Receipt chains restart from
// a zero head; old chains remain retrievable until snapshotted away.
func (l *FlowLedger) Rotate(newEpoch Epoch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = newEpoch
	for _, e := range l.entries {
		e.budget = NewFlowBudget(e.budget.Limit, newEpoch)
	}
}

// VerifyReceipt lets a receiver check an attached receipt against its mirror
// of the sender's budget state: the chain head must extend the last seen
// receipt for the pair.
func VerifyReceipt(r Receipt, lastSeen *Receipt) error {
	if lastSeen == nil {
		return nil
	}
	if r.Epoch != lastSeen.Epoch {
		// Epoch rotation restarts the chain.
		if r.Epoch > lastSeen.Epoch {
			return nil
		}
		return fmt.Errorf("%w: receipt epoch regressed", ErrInvalid)
	}
	if r.PrevHash != lastSeen.Hash() {
		return fmt.Errorf("%w: receipt chain discontinuity", ErrInvalid)
	}
	if r.Spent <= lastSeen.Spent {
		return fmt.Errorf("%w: receipt spent not increasing", ErrInvalid)
	}
	return nil
}
