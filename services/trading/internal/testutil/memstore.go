package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemStore is an in-memory stand-in for storage.Store. Ledger transactions hold
// the store lock and are rolled back when fn returns an error.
type MemStore struct {
	mu sync.Mutex

	Settings   *storage.GlobalSettings
	Books      map[uuid.UUID]storage.Book
	Limits     map[uuid.UUID]storage.RiskLimits
	Strategies map[uuid.UUID]storage.Strategy
	Venues     map[string]storage.Venue
	Health     map[string]storage.HealthRecord
	Roles      map[uuid.UUID][]string
	Orders     map[uuid.UUID]storage.Order
	Fills      map[uuid.UUID]storage.Fill
	Positions  map[uuid.UUID]storage.Position
	Audits     []storage.AuditEvent

	// Errors forces a method (by name) to fail.
	Errors map[string]error
	// Conflicts is the number of position writes that report a lost version race.
	Conflicts int
}

func NewMemStore() *MemStore {
	return &MemStore{
		Books:      make(map[uuid.UUID]storage.Book),
		Limits:     make(map[uuid.UUID]storage.RiskLimits),
		Strategies: make(map[uuid.UUID]storage.Strategy),
		Venues:     make(map[string]storage.Venue),
		Health:     make(map[string]storage.HealthRecord),
		Roles:      make(map[uuid.UUID][]string),
		Orders:     make(map[uuid.UUID]storage.Order),
		Fills:      make(map[uuid.UUID]storage.Fill),
		Positions:  make(map[uuid.UUID]storage.Position),
		Errors:     make(map[string]error),
	}
}

// Seed installs an active book with the given capital and leverage limit, a
// healthy enabled venue, paper-mode settings and a trader role for userID.
func (s *MemStore) Seed(userID uuid.UUID, capital, maxLeverage decimal.Decimal, venue string) storage.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	book := storage.Book{
		ID:               uuid.New(),
		Name:             "Main Book",
		Status:           storage.BookActive,
		CapitalAllocated: capital,
		CurrentExposure:  decimal.Zero,
	}
	s.Books[book.ID] = book
	s.Limits[book.ID] = storage.RiskLimits{BookID: book.ID, MaxLeverage: maxLeverage}
	s.Venues[strings.ToLower(venue)] = storage.Venue{ID: uuid.New(), Name: venue, Status: storage.VenueHealthy, IsEnabled: true}
	s.Settings = &storage.GlobalSettings{PaperTradingMode: true, UpdatedAt: time.Now()}
	s.Roles[userID] = []string{"trader"}
	return book
}

func (s *MemStore) fail(method string) error {
	return s.Errors[method]
}

func (s *MemStore) GetGlobalSettings(context.Context) (*storage.GlobalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetGlobalSettings"); err != nil {
		return nil, err
	}
	if s.Settings == nil {
		return nil, storage.ErrNotFound
	}
	gs := *s.Settings
	return &gs, nil
}

func (s *MemStore) UpdateSettings(fn func(*storage.GlobalSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Settings == nil {
		s.Settings = &storage.GlobalSettings{}
	}
	fn(s.Settings)
}

func (s *MemStore) GetBook(_ context.Context, id uuid.UUID) (*storage.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetBook"); err != nil {
		return nil, err
	}
	b, ok := s.Books[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &b, nil
}

func (s *MemStore) GetRiskLimits(_ context.Context, bookID uuid.UUID) (*storage.RiskLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetRiskLimits"); err != nil {
		return nil, err
	}
	l, ok := s.Limits[bookID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &l, nil
}

func (s *MemStore) GetStrategy(_ context.Context, id uuid.UUID) (*storage.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetStrategy"); err != nil {
		return nil, err
	}
	st, ok := s.Strategies[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &st, nil
}

func (s *MemStore) GetVenue(_ context.Context, name string) (*storage.Venue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetVenue"); err != nil {
		return nil, err
	}
	v, ok := s.Venues[strings.ToLower(name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &v, nil
}

func (s *MemStore) GetOpenPosition(_ context.Context, bookID uuid.UUID, instrument string) (*storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetOpenPosition"); err != nil {
		return nil, err
	}
	return s.openPosition(bookID, instrument)
}

func (s *MemStore) openPosition(bookID uuid.UUID, instrument string) (*storage.Position, error) {
	for _, p := range s.Positions {
		if p.BookID == bookID && p.Instrument == instrument && p.IsOpen {
			pos := p
			return &pos, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemStore) GetPosition(_ context.Context, id uuid.UUID) (*storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetPosition"); err != nil {
		return nil, err
	}
	p, ok := s.Positions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

// OpenPositions returns every open position of a book.
func (s *MemStore) OpenPositions(bookID uuid.UUID) []storage.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Position
	for _, p := range s.Positions {
		if p.BookID == bookID && p.IsOpen {
			out = append(out, p)
		}
	}
	return out
}

func (s *MemStore) ListHealthRecords(_ context.Context, components []string) ([]storage.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListHealthRecords"); err != nil {
		return nil, err
	}
	var out []storage.HealthRecord
	for _, c := range components {
		if rec, ok := s.Health[c]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore) ProbeComponent(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail("ProbeComponent")
}

func (s *MemStore) GetUserRoles(_ context.Context, userID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUserRoles"); err != nil {
		return nil, err
	}
	return append([]string(nil), s.Roles[userID]...), nil
}

func (s *MemStore) CreateOrder(_ context.Context, order storage.Order) (*storage.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateOrder"); err != nil {
		return nil, err
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now().UTC()
	order.Status = storage.OrderStatusOpen
	order.FilledSize = decimal.Zero
	order.FilledPrice = nil
	order.SlippageBps = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now
	s.Orders[order.ID] = order
	return &order, nil
}

func (s *MemStore) GetOrder(_ context.Context, id uuid.UUID) (*storage.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := s.Orders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &o, nil
}

func (s *MemStore) MarkOrderCancelled(_ context.Context, id uuid.UUID) (*storage.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MarkOrderCancelled"); err != nil {
		return nil, err
	}
	o, ok := s.Orders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if o.Status != storage.OrderStatusOpen {
		return nil, storage.ErrInvalidStatus
	}
	o.Status = storage.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	s.Orders[id] = o
	return &o, nil
}

func (s *MemStore) InsertAudit(_ context.Context, ev storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertAudit"); err != nil {
		return err
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now().UTC()
	s.Audits = append(s.Audits, ev)
	return nil
}

// AuditActions lists recorded audit actions in order.
func (s *MemStore) AuditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Audits))
	for i, ev := range s.Audits {
		out[i] = ev.Action
	}
	return out
}

// FindAudit returns the last audit event with action.
func (s *MemStore) FindAudit(action string) (storage.AuditEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.Audits) - 1; i >= 0; i-- {
		if s.Audits[i].Action == action {
			return s.Audits[i], true
		}
	}
	return storage.AuditEvent{}, false
}

func (s *MemStore) Counts() (orders, fills, positions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Orders), len(s.Fills), len(s.Positions)
}

func (s *MemStore) InLedgerTx(ctx context.Context, fn func(storage.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InLedgerTx"); err != nil {
		return err
	}

	orders := cloneMap(s.Orders)
	fills := cloneMap(s.Fills)
	positions := cloneMap(s.Positions)
	books := cloneMap(s.Books)

	if err := fn(&memTx{s: s}); err != nil {
		s.Orders, s.Fills, s.Positions, s.Books = orders, fills, positions, books
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// memTx runs with the store lock held.
type memTx struct {
	s *MemStore
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id uuid.UUID) (*storage.Order, error) {
	o, ok := t.s.Orders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) InsertFill(_ context.Context, fill storage.Fill) (bool, error) {
	if err := t.s.fail("InsertFill"); err != nil {
		return false, err
	}
	if _, ok := t.s.Fills[fill.ID]; ok {
		return false, nil
	}
	t.s.Fills[fill.ID] = fill
	return true, nil
}

func (t *memTx) UpdateOrderExecution(_ context.Context, order storage.Order) error {
	cur, ok := t.s.Orders[order.ID]
	if !ok || cur.Status == storage.OrderStatusCancelled {
		return storage.ErrInvalidStatus
	}
	order.UpdatedAt = time.Now().UTC()
	t.s.Orders[order.ID] = order
	return nil
}

func (t *memTx) LockOpenPosition(_ context.Context, bookID uuid.UUID, instrument string) (*storage.Position, error) {
	return t.s.openPosition(bookID, instrument)
}

func (t *memTx) InsertPosition(_ context.Context, pos storage.Position) error {
	if err := t.s.fail("InsertPosition"); err != nil {
		return err
	}
	if t.takeConflict() {
		return storage.ErrConflict
	}
	if existing, err := t.s.openPosition(pos.BookID, pos.Instrument); err == nil && pos.IsOpen && existing.ID != pos.ID {
		return storage.ErrConflict
	}
	t.s.Positions[pos.ID] = pos
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, pos storage.Position, expectedVersion int64) error {
	if t.takeConflict() {
		return storage.ErrConflict
	}
	cur, ok := t.s.Positions[pos.ID]
	if !ok || cur.Version != expectedVersion {
		return storage.ErrConflict
	}
	t.s.Positions[pos.ID] = pos
	return nil
}

func (t *memTx) RecomputeBookExposure(_ context.Context, bookID uuid.UUID) error {
	book, ok := t.s.Books[bookID]
	if !ok {
		return fmt.Errorf("book %s: %w", bookID, storage.ErrNotFound)
	}
	exposure := decimal.Zero
	for _, p := range t.s.Positions {
		if p.BookID == bookID && p.IsOpen {
			exposure = exposure.Add(p.Size.Mul(p.MarkPrice))
		}
	}
	book.CurrentExposure = exposure
	t.s.Books[bookID] = book
	return nil
}

func (t *memTx) takeConflict() bool {
	if t.s.Conflicts > 0 {
		t.s.Conflicts--
		return true
	}
	return false
}
