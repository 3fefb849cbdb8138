package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TradeRecord is one executed (or attempted) order, the unit of the audit
// trail consumed by reporting outside this engine.
type TradeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY | SELL
	Quantity  int       `json:"qty"`
	Price     float64   `json:"price"`
	Reason    string    `json:"reason"`
	OrderID   string    `json:"order_id,omitempty"`
}

// EventRecord is one non-trade engine event.
type EventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	EventType string    `json:"event_type"`
	Detail    any       `json:"detail,omitempty"`
}

// Journal appends trade and event records to two JSONL files. Writes are
// serialized; a journal line is always emitted before the corrective action
// it describes is taken.
type Journal struct {
	mu        sync.Mutex
	tradePath string
	eventPath string
}

func New(tradePath, eventPath string) (*Journal, error) {
	for _, p := range []string{tradePath, eventPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
	}
	return &Journal{tradePath: tradePath, eventPath: eventPath}, nil
}

func (j *Journal) Trade(symbol, side string, qty int, price float64, reason, orderID string) error {
	return j.append(j.tradePath, TradeRecord{
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Reason:    reason,
		OrderID:   orderID,
	})
}

func (j *Journal) Event(symbol, eventType string, detail any) error {
	return j.append(j.eventPath, EventRecord{
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		EventType: eventType,
		Detail:    detail,
	})
}

func (j *Journal) append(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(string(data) + "\n")
	return err
}
