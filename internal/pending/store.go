package pending

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Order is one order awaiting a fill.
type Order struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY | SELL
	Quantity  int       `json:"qty"`
	OrderType string    `json:"order_type"`
	Price     float64   `json:"price,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	MarkedAt  time.Time `json:"marked_at"`
}

// Store tracks orders that have been submitted but not confirmed filled.
// It is constructed once per process and passed by reference; there is no
// package-level instance. State is persisted to a JSON file so a restart
// can reconcile against the broker's open orders.
type Store struct {
	mu    sync.Mutex
	path  string
	buys  map[string]Order
	sells map[string]Order
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	s := &Store{path: path, buys: map[string]Order{}, sells: map[string]Order{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type persisted struct {
	Buys  map[string]Order `json:"buys"`
	Sells map[string]Order `json:"sells"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("corrupt pending-order store %s: %w", s.path, err)
	}
	if p.Buys != nil {
		s.buys = p.Buys
	}
	if p.Sells != nil {
		s.sells = p.Sells
	}
	return nil
}

// saveUnsafe persists with temp file + rename so readers never see a torn
// write. Caller holds the lock.
func (s *Store) saveUnsafe() error {
	data, err := json.MarshalIndent(persisted{Buys: s.buys, Sells: s.sells}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) MarkPendingBuy(symbol string, qty int, orderType string, price float64, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buys[symbol] = Order{Symbol: symbol, Side: "BUY", Quantity: qty, OrderType: orderType, Price: price, Notes: notes, MarkedAt: time.Now().UTC()}
	return s.saveUnsafe()
}

func (s *Store) MarkPendingSell(symbol string, qty int, orderType string, price float64, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sells[symbol] = Order{Symbol: symbol, Side: "SELL", Quantity: qty, OrderType: orderType, Price: price, Notes: notes, MarkedAt: time.Now().UTC()}
	return s.saveUnsafe()
}

func (s *Store) MarkBought(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buys, symbol)
	return s.saveUnsafe()
}

func (s *Store) MarkSold(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sells, symbol)
	return s.saveUnsafe()
}

func (s *Store) IsPendingBuy(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buys[symbol]
	return ok
}

func (s *Store) IsPendingSell(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sells[symbol]
	return ok
}

// Pending returns a copy of every tracked order.
func (s *Store) Pending() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, 0, len(s.buys)+len(s.sells))
	for _, o := range s.buys {
		out = append(out, o)
	}
	for _, o := range s.sells {
		out = append(out, o)
	}
	return out
}

// Clear drops all tracked orders, used after the Friday flatten.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buys = map[string]Order{}
	s.sells = map[string]Order{}
	return s.saveUnsafe()
}
