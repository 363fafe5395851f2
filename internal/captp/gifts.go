package captp

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ocapn/internal/promise"
)

type giftKey struct {
	session string
	gift    string
}

type giftEntry struct {
	value       any
	deposited   bool
	settle      *promise.Resolver
	queuedAt    time.Time
	depositedAt time.Time
}

// GiftInfo describes one gift that has not completed its handoff.
type GiftInfo struct {
	Session     string    `json:"session"`
	GiftID      string    `json:"gift_id"`
	Deposited   bool      `json:"deposited"`
	QueuedAt    time.Time `json:"queued_at"`
	DepositedAt time.Time `json:"deposited_at,omitempty"`
}

// GiftTable holds deposited gifts keyed by (gifter-exporter session id,
// gift id). A withdrawal that arrives first parks a pending promise that
// the matching deposit settles.
type GiftTable struct {
	mu    sync.RWMutex
	items map[giftKey]*giftEntry
	now   func() time.Time
}

func NewGiftTable() *GiftTable {
	return &GiftTable{
		items: make(map[giftKey]*giftEntry),
		now:   time.Now,
	}
}

func keyFor(sessionID, giftID []byte) giftKey {
	return giftKey{session: hex.EncodeToString(sessionID), gift: hex.EncodeToString(giftID)}
}

// Deposit stores value, or hands it to a withdrawal already waiting.
func (g *GiftTable) Deposit(sessionID, giftID []byte, value any) error {
	key := keyFor(sessionID, giftID)
	g.mu.Lock()
	item, ok := g.items[key]
	if ok && item.deposited {
		g.mu.Unlock()
		return ErrDuplicateGift
	}
	if ok {
		delete(g.items, key)
		g.mu.Unlock()
		return item.settle.Resolve(value)
	}
	now := g.now()
	g.items[key] = &giftEntry{value: value, deposited: true, queuedAt: now, depositedAt: now}
	g.mu.Unlock()
	return nil
}

// Withdraw removes the gift. Before the deposit it returns a pending
// promise; a second withdrawal of the same gift fails.
func (g *GiftTable) Withdraw(sessionID, giftID []byte) (*promise.Promise, error) {
	key := keyFor(sessionID, giftID)
	g.mu.Lock()
	defer g.mu.Unlock()
	item, ok := g.items[key]
	if ok && item.deposited {
		delete(g.items, key)
		return promise.Resolved(item.value), nil
	}
	if ok {
		return nil, ErrGiftClaimed
	}
	p, r := promise.New()
	g.items[key] = &giftEntry{settle: r, queuedAt: g.now()}
	return p, nil
}

// Drop rejects waiting withdrawals and forgets deposits for one gifter
// session.
func (g *GiftTable) Drop(sessionID []byte, reason error) int {
	session := hex.EncodeToString(sessionID)
	g.mu.Lock()
	var waiting []*promise.Resolver
	n := 0
	for key, item := range g.items {
		if key.session != session {
			continue
		}
		if item.settle != nil {
			waiting = append(waiting, item.settle)
		}
		delete(g.items, key)
		n++
	}
	g.mu.Unlock()
	for _, r := range waiting {
		_ = r.Reject(reason)
	}
	return n
}

func (g *GiftTable) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}

func (g *GiftTable) List() []GiftInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GiftInfo, 0, len(g.items))
	for key, item := range g.items {
		out = append(out, GiftInfo{
			Session:     key.session,
			GiftID:      key.gift,
			Deposited:   item.deposited,
			QueuedAt:    item.queuedAt,
			DepositedAt: item.depositedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].GiftID < out[j].GiftID
	})
	return out
}
