// internal/cart/cart.go

// Package cart mirrors the per-table shared cart across devices. Local
// mutations are debounced into a single outbound broadcast; inbound
// broadcasts replace the whole item list. Last writer wins: concurrent
// edits from two devices can overwrite each other, and that is the
// documented policy rather than a merge.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabsyteam/tabsy-table-session/internal/api"
	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// DefaultDebounce is the window local mutations are coalesced over before
// one broadcast goes out.
const DefaultDebounce = time.Second

// ErrCartEmpty rejects order placement with nothing in the cart.
var ErrCartEmpty = errors.New("cart: cart is empty")

// ErrCartLocked rejects mutation or placement once ordering is locked.
var ErrCartLocked = errors.New("cart: ordering is locked")

// Broadcaster is the outbound half of the event bridge.
type Broadcaster interface {
	Emit(event string, payload interface{}) error
}

// OrderAPI is the slice of the REST client order placement needs.
type OrderAPI interface {
	LockOrdering(ctx context.Context, tableSessionID string) error
	CreateOrder(ctx context.Context, req api.CreateOrderRequest) (*models.Order, error)
}

// Config wires a SharedCart to its table session.
type Config struct {
	TableSessionID string
	Self           models.CartAttribution
	Bridge         Broadcaster
	API            OrderAPI
	Debounce       time.Duration // zero means DefaultDebounce
	Logger         *logrus.Logger
}

// SharedCart is this device's view of the table's cart.
type SharedCart struct {
	mu sync.Mutex

	tableSessionID      string
	self                models.CartAttribution
	items               []models.SharedCartItem
	total               float64
	locked              bool
	round               int
	specialInstructions string

	debounce      *time.Timer
	debounceAfter time.Duration

	bridge Broadcaster
	api    OrderAPI
	logger *logrus.Logger

	// OnRemoteUpdate fires when another device's broadcast replaced the
	// cart. OnLocked fires when another device locked ordering.
	OnRemoteUpdate func(by models.CartAttribution)
	OnLocked       func(by string)
}

// New returns a SharedCart for one table session, starting at round 1.
func New(cfg Config) *SharedCart {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &SharedCart{
		tableSessionID: cfg.TableSessionID,
		self:           cfg.Self,
		round:          1,
		debounceAfter:  cfg.Debounce,
		bridge:         cfg.Bridge,
		api:            cfg.API,
		logger:         cfg.Logger,
	}
}

// AddItem adds or increments a line in the cart and schedules a broadcast.
func (sc *SharedCart) AddItem(menuItemID, name string, price float64, quantity int, options map[string]string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.locked {
		return ErrCartLocked
	}

	for i := range sc.items {
		if sc.items[i].MenuItemID == menuItemID && sc.items[i].AddedBy.GuestSessionID == sc.self.GuestSessionID {
			sc.items[i].Quantity += quantity
			sc.items[i].Subtotal = sc.items[i].Price * float64(sc.items[i].Quantity)
			sc.recomputeTotalUnsafe()
			sc.scheduleBroadcastUnsafe()
			return nil
		}
	}

	sc.items = append(sc.items, models.SharedCartItem{
		MenuItemID: menuItemID,
		Name:       name,
		Quantity:   quantity,
		Price:      price,
		Subtotal:   price * float64(quantity),
		Options:    options,
		AddedBy:    sc.self,
	})
	sc.recomputeTotalUnsafe()
	sc.scheduleBroadcastUnsafe()
	return nil
}

// UpdateQuantity sets a line's quantity; zero removes it.
func (sc *SharedCart) UpdateQuantity(menuItemID string, quantity int) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.locked {
		return ErrCartLocked
	}

	for i := range sc.items {
		if sc.items[i].MenuItemID != menuItemID {
			continue
		}
		if quantity <= 0 {
			sc.items = append(sc.items[:i], sc.items[i+1:]...)
		} else {
			sc.items[i].Quantity = quantity
			sc.items[i].Subtotal = sc.items[i].Price * float64(quantity)
			sc.items[i].AddedBy = sc.self
		}
		sc.recomputeTotalUnsafe()
		sc.scheduleBroadcastUnsafe()
		return nil
	}
	return fmt.Errorf("cart: item %s not in cart", menuItemID)
}

// RemoveItem drops a line from the cart.
func (sc *SharedCart) RemoveItem(menuItemID string) error {
	return sc.UpdateQuantity(menuItemID, 0)
}

// SetSpecialInstructions stores free-text instructions attached to the
// next placed order. Not broadcast; each device keeps its own.
func (sc *SharedCart) SetSpecialInstructions(text string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.specialInstructions = text
}

// State returns a copy of the derived cart view.
func (sc *SharedCart) State() models.CartState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	items := make([]models.SharedCartItem, len(sc.items))
	copy(items, sc.items)
	return models.CartState{
		Items:        items,
		Total:        sc.total,
		IsLocked:     sc.locked,
		CurrentRound: sc.round,
	}
}

// ApplyBroadcast folds a table:cart_updated event in, replacing the local
// list wholesale. Broadcasts from this device are echoes and ignored.
func (sc *SharedCart) ApplyBroadcast(b models.CartBroadcast) {
	sc.mu.Lock()
	if b.UpdatedBy.GuestSessionID == sc.self.GuestSessionID {
		sc.mu.Unlock()
		return
	}
	sc.items = b.Items
	sc.total = b.Total
	notify := sc.OnRemoteUpdate
	sc.mu.Unlock()

	if notify != nil {
		notify(b.UpdatedBy)
	}
}

// ApplyOrderLocked folds a table:order_locked event in.
func (sc *SharedCart) ApplyOrderLocked(p ws.OrderLockedPayload) {
	sc.mu.Lock()
	sc.locked = true
	notify := sc.OnLocked
	lockedByOther := p.LockedBy != sc.self.GuestSessionID
	sc.mu.Unlock()

	if lockedByOther && notify != nil {
		notify(p.LockedBy)
	}
}

// ApplyNewRound clears the cart and unlocks it regardless of prior state.
func (sc *SharedCart) ApplyNewRound(p ws.NewRoundPayload) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.items = nil
	sc.total = 0
	sc.locked = false
	if p.Round > 0 {
		sc.round = p.Round
	} else {
		sc.round++
	}
	if sc.debounce != nil {
		sc.debounce.Stop()
		sc.debounce = nil
	}
}

// PlaceOrder runs the placement handshake: lock, create, clear. A failed
// creation after a successful lock leaves the server-side lock in place;
// only a server-pushed new round or session close clears it.
func (sc *SharedCart) PlaceOrder(ctx context.Context) (*models.Order, error) {
	sc.mu.Lock()
	if len(sc.items) == 0 {
		sc.mu.Unlock()
		return nil, ErrCartEmpty
	}
	if sc.locked {
		sc.mu.Unlock()
		return nil, ErrCartLocked
	}
	items := make([]models.OrderItem, 0, len(sc.items))
	for _, it := range sc.items {
		items = append(items, models.OrderItem{
			MenuItemID: it.MenuItemID,
			Name:       it.Name,
			Quantity:   it.Quantity,
			Price:      it.Price,
			Options:    it.Options,
		})
	}
	round := sc.round
	instructions := sc.specialInstructions
	sc.mu.Unlock()

	if err := sc.api.LockOrdering(ctx, sc.tableSessionID); err != nil {
		return nil, fmt.Errorf("lock ordering: %w", err)
	}

	order, err := sc.api.CreateOrder(ctx, api.CreateOrderRequest{
		TableSessionID:      sc.tableSessionID,
		Round:               round,
		Items:               items,
		SpecialInstructions: instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	sc.mu.Lock()
	sc.items = nil
	sc.total = 0
	sc.locked = true
	sc.specialInstructions = ""
	sc.mu.Unlock()

	sc.logger.Infof("Cart %s: placed order %s for round %d", sc.tableSessionID, order.ID, round)
	return order, nil
}

// recomputeTotalUnsafe sums subtotals. Assumes lock is held.
func (sc *SharedCart) recomputeTotalUnsafe() {
	total := 0.0
	for _, it := range sc.items {
		total += it.Subtotal
	}
	sc.total = total
}

// scheduleBroadcastUnsafe arms (or re-arms) the debounce timer. Assumes
// lock is held.
func (sc *SharedCart) scheduleBroadcastUnsafe() {
	if sc.debounce != nil {
		sc.debounce.Stop()
	}
	sc.debounce = time.AfterFunc(sc.debounceAfter, sc.broadcastNow)
}

// broadcastNow serializes the current cart and emits one broadcast.
func (sc *SharedCart) broadcastNow() {
	sc.mu.Lock()
	items := make([]models.SharedCartItem, len(sc.items))
	copy(items, sc.items)
	payload := models.CartBroadcast{
		TableSessionID: sc.tableSessionID,
		Items:          items,
		Total:          sc.total,
		UpdatedBy:      sc.self,
		Round:          sc.round,
	}
	sc.debounce = nil
	sc.mu.Unlock()

	if err := sc.bridge.Emit(ws.EventCartUpdated, payload); err != nil {
		sc.logger.Warnf("Cart %s: broadcast failed: %v", sc.tableSessionID, err)
	}
}
