package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/exchange/orchestrator/internal/ledger"
	"github.com/exchange/orchestrator/internal/lifecycle"
	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/reconcile"
	"github.com/exchange/orchestrator/internal/repository"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

type memLedger struct {
	mu  sync.Mutex
	ops map[string]*model.AsyncOperation
}

func newMemLedger(ops ...*model.AsyncOperation) *memLedger {
	l := &memLedger{ops: map[string]*model.AsyncOperation{}}
	for _, op := range ops {
		l.ops[op.ID] = op
	}
	return l
}

func (l *memLedger) Complete(ctx context.Context, id string, success bool, errs model.ResultErrors) (*model.AsyncOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[id]
	if !ok {
		return nil, ledger.ErrOperationNotFound
	}
	if op.Complete {
		cp := *op
		return &cp, ledger.ErrOperationAlreadyComplete
	}
	op.Complete = true
	op.Success = success
	if !errs.Empty() {
		s := errs.String()
		op.Error = &s
	}
	cp := *op
	return &cp, nil
}

func (l *memLedger) get(id string) *model.AsyncOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ops[id]
}

// memOrders 与 OrderRepository.ApplyPatch 相同的守卫条件
type memOrders struct {
	mu     sync.Mutex
	orders map[string]*model.Order
	writes int
}

func newMemOrders(orders ...*model.Order) *memOrders {
	s := &memOrders{orders: map[string]*model.Order{}}
	for _, o := range orders {
		s.orders[o.ClOrderID] = o
	}
	return s
}

func (s *memOrders) FindByClOrderID(ctx context.Context, clOrderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clOrderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memOrders) ApplyPatch(ctx context.Context, clOrderID string, patch reconcile.OrderPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clOrderID]
	if !ok {
		return false, nil
	}
	if patch.LastTimestamp != nil {
		if o.LastTimestamp != nil && !o.LastTimestamp.Before(*patch.LastTimestamp) {
			return false, nil
		}
	} else if o.LastTimestamp != nil {
		return false, nil
	}
	if patch.Status != nil && !patch.Status.IsTerminal() && o.Status.IsTerminal() {
		return false, nil
	}
	patch.Apply(o)
	s.writes++
	return true, nil
}

func (s *memOrders) Reject(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ID == id {
			o.Status = model.OrderStatusRejected
			o.Error = &reason
			return nil
		}
	}
	return repository.ErrOrderNotFound
}

func (s *memOrders) SetErrorByRemoteID(ctx context.Context, remoteOrderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.RemoteOrderID != nil && *o.RemoteOrderID == remoteOrderID {
			o.Error = &reason
			return nil
		}
	}
	return repository.ErrOrderNotFound
}

func (s *memOrders) get(clOrderID string) *model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[clOrderID]
}

type memPositions struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	conflict  bool
}

func newMemPositions() *memPositions {
	return &memPositions{positions: map[string]*model.Position{}}
}

func (s *memPositions) Find(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[accountID+"/"+symbol]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPositions) Save(ctx context.Context, p *model.Position, previous *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict {
		return repository.ErrPositionConflict
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	s.positions[p.ExchangeAccountID+"/"+p.Symbol] = &cp
	return nil
}

func (s *memPositions) get(accountID, symbol string) *model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[accountID+"/"+symbol]
}

type memAccounts struct {
	mu       sync.Mutex
	active   map[string]bool
	scrubbed map[string]bool
}

func newMemAccounts(ids ...string) *memAccounts {
	a := &memAccounts{active: map[string]bool{}, scrubbed: map[string]bool{}}
	for _, id := range ids {
		a.active[id] = false
	}
	return a
}

func (a *memAccounts) SetActive(ctx context.Context, id string, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; !ok {
		return repository.ErrAccountNotFound
	}
	a.active[id] = active
	return nil
}

func (a *memAccounts) ScrubCredentials(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; !ok {
		return repository.ErrAccountNotFound
	}
	a.active[id] = false
	a.scrubbed[id] = true
	return nil
}

type recordingTeardown struct {
	memberships []string
	err         error
}

func (r *recordingTeardown) DeleteAccountsForMembership(ctx context.Context, membershipID string) ([]lifecycle.AccountResult, error) {
	r.memberships = append(r.memberships, membershipID)
	return nil, r.err
}

type fixture struct {
	h         *Handlers
	ledger    *memLedger
	orders    *memOrders
	positions *memPositions
	accounts  *memAccounts
	teardown  *recordingTeardown
}

func newFixture(ops []*model.AsyncOperation, orders []*model.Order, accountIDs ...string) *fixture {
	f := &fixture{
		ledger:    newMemLedger(ops...),
		orders:    newMemOrders(orders...),
		positions: newMemPositions(),
		accounts:  newMemAccounts(accountIDs...),
		teardown:  &recordingTeardown{},
	}
	f.h = NewHandlers(f.ledger, f.orders, f.positions, f.accounts, f.teardown, nil, nil)
	return f
}

func message(t *testing.T, correlationID string, body interface{}) *commonredis.Message {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	return &commonredis.Message{ID: "1-0", CorrelationID: correlationID, Data: data}
}

func f64(v float64) *float64 { return &v }

func strp(s string) *string { return &s }

func ms(t time.Time) int64 { return t.UnixMilli() }
