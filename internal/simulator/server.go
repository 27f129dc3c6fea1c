// internal/simulator/server.go

// Package simulator is an in-memory stand-in for the Tabsy backend: guest
// session issue, idempotent QR join, cart fan-out, the ordering lock,
// orders, bills, and the disruption pushes. It exists so the coordination
// protocol can be exercised end to end in tests and local development; it
// is not the production service.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tabsyteam/tabsy-table-session/internal/api"
	"github.com/tabsyteam/tabsy-table-session/internal/auth"
	"github.com/tabsyteam/tabsy-table-session/internal/middleware"
	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// Server hosts the simulated REST + WebSocket backend.
type Server struct {
	Store  *SessionStore
	logger *logrus.Logger
	router *mux.Router

	mu        sync.Mutex
	payments  map[string]models.Payment
	feedbacks []models.Feedback
}

// NewServer builds a Server with its routes registered. auth.Init must
// have been called so guest tokens can be signed.
func NewServer(logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		Store:    NewSessionStore(),
		logger:   logger,
		payments: make(map[string]models.Payment),
	}

	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))
	r.HandleFunc("/api/v1/sessions/guest", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/table-sessions/{id}/orders", s.handleListOrders).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/table-sessions/{id}/lock", s.handleLock).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/table-sessions/{id}/bill", s.handleBill).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/payments/{id}", s.handleGetPayment).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/feedback", s.handleFeedback).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/feedback/photo", s.handleFeedbackPhoto).Methods(http.MethodPost)
	r.HandleFunc("/ws/customer", s.handleCustomerWS)

	// Control surface for tests and local development: drives the
	// server-pushed flows a real backend would trigger from staff actions.
	r.HandleFunc("/admin/tables/{tableId}/new-round", s.handleAdminNewRound).Methods(http.MethodPost)
	r.HandleFunc("/admin/tables/{tableId}/end", s.handleAdminEnd).Methods(http.MethodPost)
	r.HandleFunc("/admin/tables/{tableId}/close", s.handleAdminClose).Methods(http.MethodPost)
	r.HandleFunc("/admin/tables/{tableId}/replace", s.handleAdminReplace).Methods(http.MethodPost)

	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req api.JoinTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid join payload")
		return
	}
	if req.TableID == "" || req.RestaurantID == "" || req.QRCode == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "restaurantId, tableId and qrCode are required")
		return
	}

	ts, created := s.Store.GetOrCreate(req.RestaurantID, req.TableID)
	userName := req.UserName
	if userName == "" {
		userName = "Guest"
	}
	guest := ts.AddGuest(userName)
	s.Store.IndexGuest(guest.GuestSessionID, ts)

	token, err := auth.CreateGuestToken(guest.GuestSessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to sign guest token")
		return
	}

	if created {
		s.logger.Infof("simulator: table %s claimed, session %s", req.TableID, ts.ID)
	}

	snap := ts.Snapshot()
	writeJSON(w, http.StatusOK, models.GuestSession{
		SessionID:      guest.GuestSessionID,
		TableSessionID: ts.ID,
		Token:          token,
		RestaurantID:   req.RestaurantID,
		TableID:        req.TableID,
		RestaurantName: "Simulated Restaurant",
		UserName:       userName,
		IsHost:         guest.IsHost,
		ExpiresAt:      snap.ExpiresAt,
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	guestID, ts, ok := s.authGuest(w, r)
	if !ok {
		return
	}

	var req api.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order payload")
		return
	}
	if req.TableSessionID != ts.ID {
		s.writeError(w, http.StatusForbidden, "SESSION_INVALID", "order does not belong to your table session")
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "order has no items")
		return
	}

	total := 0.0
	for _, it := range req.Items {
		total += it.Price * float64(it.Quantity)
	}
	order := models.Order{
		ID:                  uuid.NewString(),
		TableSessionID:      ts.ID,
		Round:               req.Round,
		Items:               req.Items,
		Total:               total,
		PlacedBy:            guestID,
		SpecialInstructions: req.SpecialInstructions,
		CreatedAt:           time.Now(),
	}
	ts.RecordOrder(order)
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authGuest(w, r); !ok {
		return
	}
	ts, ok := s.Store.GetByID(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table session")
		return
	}
	ts.Mu.Lock()
	orders := make([]models.Order, len(ts.Orders))
	copy(orders, ts.Orders)
	ts.Mu.Unlock()
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	guestID, _, ok := s.authGuest(w, r)
	if !ok {
		return
	}
	ts, ok := s.Store.GetByID(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table session")
		return
	}
	ts.Lock(guestID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBill(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authGuest(w, r); !ok {
		return
	}
	ts, ok := s.Store.GetByID(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table session")
		return
	}

	ts.Mu.Lock()
	bill := models.Bill{
		TableSessionID: ts.ID,
		TotalAmount:    ts.TotalAmount,
		PaidAmount:     ts.PaidAmount,
		Orders:         append([]models.Order(nil), ts.Orders...),
	}
	perGuest := make(map[string]float64)
	for _, o := range ts.Orders {
		perGuest[o.PlacedBy] += o.Total
	}
	for gid, amount := range perGuest {
		name := ""
		if g, exists := ts.Guests[gid]; exists {
			name = g.UserName
		}
		bill.ByGuest = append(bill.ByGuest, models.GuestBill{
			GuestSessionID: gid,
			UserName:       name,
			Amount:         amount,
		})
	}
	ts.Mu.Unlock()

	writeJSON(w, http.StatusOK, bill)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authGuest(w, r); !ok {
		return
	}
	s.mu.Lock()
	p, ok := s.payments[mux.Vars(r)["id"]]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown payment")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RecordPayment seeds a settled payment, for tests and demos.
func (s *Server) RecordPayment(p models.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authGuest(w, r); !ok {
		return
	}
	var fb models.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid feedback payload")
		return
	}
	if fb.Rating < 1 || fb.Rating > 5 {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "rating must be between 1 and 5")
		return
	}
	s.mu.Lock()
	s.feedbacks = append(s.feedbacks, fb)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedbackPhoto(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authGuest(w, r); !ok {
		return
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart payload")
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing photo field")
		return
	}
	file.Close()
	writeJSON(w, http.StatusOK, map[string]string{
		"photoUrl": fmt.Sprintf("https://photos.simulated.tabsy/%s/%s", uuid.NewString(), header.Filename),
	})
}

func (s *Server) handleAdminNewRound(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.Store.GetByTable(mux.Vars(r)["tableId"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table")
		return
	}
	ts.NewRound()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	ts, ok := s.Store.GetByTable(mux.Vars(r)["tableId"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table")
		return
	}
	ts.End(req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminClose(w http.ResponseWriter, r *http.Request) {
	tableID := mux.Vars(r)["tableId"]
	ts, ok := s.Store.GetByTable(tableID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table")
		return
	}
	ts.Close()
	s.Store.Delete(tableID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminReplace(w http.ResponseWriter, r *http.Request) {
	tableID := mux.Vars(r)["tableId"]
	var req struct {
		ShouldRefresh bool `json:"shouldRefresh"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	ts, ok := s.Store.GetByTable(tableID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown table")
		return
	}
	ts.Replace(uuid.NewString(), req.ShouldRefresh)
	s.Store.Delete(tableID)
	w.WriteHeader(http.StatusNoContent)
}

// handleCustomerWS attaches a device to its table's customer namespace.
func (s *Server) handleCustomerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	tableID := r.URL.Query().Get("tableId")
	if sessionID == "" || tableID == "" {
		http.Error(w, "missing sessionId or tableId", http.StatusBadRequest)
		return
	}

	ts, ok := s.Store.GetByGuest(sessionID)
	if !ok || ts.TableID != tableID {
		http.Error(w, "unknown guest session", http.StatusForbidden)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{ws.Subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warnf("simulator: websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != ws.Subprotocol {
		c.Close(websocket.StatusPolicyViolation, "client must speak the customer subprotocol")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &Conn{
		GuestSessionID: sessionID,
		Cancel:         cancel,
		OutChan:        make(chan ws.Event, 10),
	}
	ts.AddConnection(sessionID, conn)
	middleware.LogCustomerConnect(s.logger, sessionID, tableID)

	go s.writePump(ctx, c, conn)
	s.readPump(ctx, c, ts, conn)

	ts.RemoveConnection(sessionID)
	middleware.LogCustomerDisconnect(s.logger, sessionID, tableID, nil)
}

func (s *Server) readPump(ctx context.Context, c *websocket.Conn, ts *TableSession, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure &&
				closeStatus != websocket.StatusGoingAway &&
				!strings.Contains(err.Error(), "context canceled") {
				s.logger.Warnf("simulator: read error for guest %s: %v", conn.GuestSessionID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var ev ws.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.logger.Warnf("simulator: invalid event json from guest %s: %v", conn.GuestSessionID, err)
			continue
		}

		switch ev.Type {
		case ws.EventCartUpdated:
			var b models.CartBroadcast
			if err := json.Unmarshal(ev.Payload, &b); err != nil {
				s.logger.Warnf("simulator: bad cart broadcast from guest %s: %v", conn.GuestSessionID, err)
				continue
			}
			ts.UpdateCart(b)
		default:
			s.logger.Warnf("simulator: unknown client event '%s' from guest %s", ev.Type, conn.GuestSessionID)
		}
	}
}

func (s *Server) writePump(ctx context.Context, c *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.OutChan:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warnf("simulator: failed to marshal outgoing event for guest %s: %v", conn.GuestSessionID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// authGuest validates the bearer token and resolves the guest's table
// session.
func (s *Server) authGuest(w http.ResponseWriter, r *http.Request) (string, *TableSession, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return "", nil, false
	}
	guestID, err := auth.AuthenticateGuestToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid guest token")
		return "", nil, false
	}
	ts, ok := s.Store.GetByGuest(guestID)
	if !ok {
		s.writeError(w, http.StatusForbidden, "SESSION_INVALID", "guest session has no table session")
		return "", nil, false
	}
	return guestID, ts, true
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
