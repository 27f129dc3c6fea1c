// internal/session/events.go
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// Bind registers the manager's session lifecycle handlers on the bridge.
// Called once per connection, before Dial.
func (m *Manager) Bind(bridge *ws.Client) {
	bridge.On(ws.EventSessionCreated, m.handleSessionCreated)
	bridge.On(ws.EventUserJoined, m.handleUserJoined)
	bridge.On(ws.EventUserLeft, m.handleUserLeft)
	bridge.On(ws.EventSessionUpdated, m.handleSessionUpdated)
	bridge.On(ws.EventSessionClosed, m.handleSessionClosed)
}

func (m *Manager) handleSessionCreated(ev ws.Event) {
	var s models.MultiUserTableSession
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		m.logger.Warnf("Session %s: bad session_created payload: %v", m.cfg.TableID, err)
		return
	}
	if s.TableID != m.cfg.TableID {
		return
	}
	m.mu.Lock()
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = m.tokenExpiry
	}
	m.session = &s
	m.mu.Unlock()
	m.logger.Infof("Session %s: table session %s initialized", m.cfg.TableID, s.ID)
}

// handleUserJoined upserts into the participant list, deduplicated by
// guest session id: a rejoin updates activity without growing the list.
func (m *Manager) handleUserJoined(ev ws.Event) {
	var p ws.UserJoinedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		m.logger.Warnf("Session %s: bad user_joined payload: %v", m.cfg.TableID, err)
		return
	}
	if p.TableID != "" && p.TableID != m.cfg.TableID {
		return
	}

	now := time.Now()
	m.mu.Lock()
	found := false
	for i := range m.users {
		if m.users[i].GuestSessionID == p.GuestSessionID {
			m.users[i].UserName = p.UserName
			m.users[i].IsHost = p.IsHost
			m.users[i].LastActivity = now
			found = true
			break
		}
	}
	if !found {
		m.users = append(m.users, models.TableSessionUser{
			GuestSessionID: p.GuestSessionID,
			UserName:       p.UserName,
			IsHost:         p.IsHost,
			CreatedAt:      now,
			LastActivity:   now,
		})
	}
	selfJoined := m.dining != nil && m.dining.SessionID == p.GuestSessionID
	m.mu.Unlock()

	if !found && !selfJoined {
		m.toast(fmt.Sprintf("%s joined the table", p.UserName))
	}
}

func (m *Manager) handleUserLeft(ev ws.Event) {
	var p ws.UserLeftPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		m.logger.Warnf("Session %s: bad user_left payload: %v", m.cfg.TableID, err)
		return
	}
	if p.TableID != "" && p.TableID != m.cfg.TableID {
		return
	}

	m.mu.Lock()
	removed := false
	name := p.UserName
	for i := range m.users {
		if m.users[i].GuestSessionID == p.GuestSessionID {
			if name == "" {
				name = m.users[i].UserName
			}
			m.users = append(m.users[:i], m.users[i+1:]...)
			removed = true
			break
		}
	}
	m.mu.Unlock()

	if removed {
		m.toast(fmt.Sprintf("%s left the table", name))
	}
}

// handleSessionUpdated merges status and amounts into the mirrored record.
func (m *Manager) handleSessionUpdated(ev ws.Event) {
	var p ws.SessionUpdatedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		m.logger.Warnf("Session %s: bad session_updated payload: %v", m.cfg.TableID, err)
		return
	}
	if p.TableID != "" && p.TableID != m.cfg.TableID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	if p.Status != "" {
		m.session.Status = models.SessionStatus(p.Status)
	}
	if p.TotalAmount != nil {
		m.session.TotalAmount = *p.TotalAmount
	}
	if p.PaidAmount != nil {
		m.session.PaidAmount = *p.PaidAmount
	}
	m.session.LastActivity = time.Now()
}

// handleSessionClosed discards all local state and navigates home exactly
// once.
func (m *Manager) handleSessionClosed(ev ws.Event) {
	var p struct {
		TableID string `json:"tableId"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err == nil && p.TableID != "" && p.TableID != m.cfg.TableID {
		return
	}

	m.mu.Lock()
	m.users = nil
	m.session = nil
	m.dining = nil
	m.state = StateInit
	alreadyNavigated := m.navigated
	m.navigated = true
	m.mu.Unlock()

	m.cfg.Coordinator.ClearSession(m.cfg.TableID)
	m.logger.Infof("Session %s: table session closed", m.cfg.TableID)

	if !alreadyNavigated && m.cfg.OnNavigateHome != nil {
		m.cfg.OnNavigateHome()
	}
}
