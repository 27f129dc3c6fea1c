// internal/cart/bind.go
package cart

import (
	"encoding/json"

	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// Bind registers the cart's event handlers on the bridge. Called once per
// connection, before Dial.
func (sc *SharedCart) Bind(bridge *ws.Client) {
	bridge.On(ws.EventCartUpdated, sc.HandleEvent)
	bridge.On(ws.EventOrderLocked, sc.HandleEvent)
	bridge.On(ws.EventNewRound, sc.HandleEvent)
}

// HandleEvent folds one cart-relevant wire event into the cart. Events for
// other table sessions are dropped; an empty session id on the payload is
// trusted to mean this session (older backend builds omit it).
func (sc *SharedCart) HandleEvent(ev ws.Event) {
	switch ev.Type {
	case ws.EventCartUpdated:
		var b models.CartBroadcast
		if err := json.Unmarshal(ev.Payload, &b); err != nil {
			sc.logger.Warnf("Cart %s: bad cart_updated payload: %v", sc.tableSessionID, err)
			return
		}
		if b.TableSessionID != "" && b.TableSessionID != sc.tableSessionID {
			return
		}
		sc.ApplyBroadcast(b)

	case ws.EventOrderLocked:
		var p ws.OrderLockedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			sc.logger.Warnf("Cart %s: bad order_locked payload: %v", sc.tableSessionID, err)
			return
		}
		if p.TableSessionID != "" && p.TableSessionID != sc.tableSessionID {
			return
		}
		sc.ApplyOrderLocked(p)

	case ws.EventNewRound:
		var p ws.NewRoundPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			sc.logger.Warnf("Cart %s: bad new_round payload: %v", sc.tableSessionID, err)
			return
		}
		if p.TableSessionID != "" && p.TableSessionID != sc.tableSessionID {
			return
		}
		sc.ApplyNewRound(p)
	}
}
