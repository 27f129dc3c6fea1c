// internal/api/client.go

// Package api is the REST side of the Tabsy backend boundary: guest
// session create/join, orders, the ordering lock, bills, payments and
// feedback. It holds the guest token for the device and stamps it on
// every call.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabsyteam/tabsy-table-session/internal/models"
)

// Client talks to the Tabsy REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logrus.Logger

	mu    sync.RWMutex
	token string
}

// New returns a Client for the given base URL, e.g. "https://api.tabsy.io".
func New(baseURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// SetToken installs the guest token used for subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the currently held guest token, if any. The session
// manager consults this before falling back to the persisted store.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// JoinTableRequest is the QR-code-keyed create/join call. The backend
// treats it idempotently: a second call for an occupied table joins the
// existing table session instead of opening a new one.
type JoinTableRequest struct {
	RestaurantID string `json:"restaurantId"`
	TableID      string `json:"tableId"`
	QRCode       string `json:"qrCode"`
	UserName     string `json:"userName,omitempty"`
}

// CreateGuestSession joins or creates the table session behind a QR code
// and issues this device's guest session.
func (c *Client) CreateGuestSession(ctx context.Context, req JoinTableRequest) (*models.GuestSession, error) {
	var out models.GuestSession
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/guest", req, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// CreateOrderRequest carries one round's order, built from the shared cart.
type CreateOrderRequest struct {
	TableSessionID      string             `json:"tableSessionId"`
	Round               int                `json:"round"`
	Items               []models.OrderItem `json:"items"`
	SpecialInstructions string             `json:"specialInstructions,omitempty"`
}

// CreateOrder places an order for the current round.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	var out models.Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrders returns every order placed in a table session.
func (c *Client) ListOrders(ctx context.Context, tableSessionID string) ([]models.Order, error) {
	var out []models.Order
	path := fmt.Sprintf("/api/v1/table-sessions/%s/orders", tableSessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LockOrdering asks the backend to lock the table's cart ahead of order
// placement. Other devices learn of the lock via table:order_locked.
func (c *Client) LockOrdering(ctx context.Context, tableSessionID string) error {
	path := fmt.Sprintf("/api/v1/table-sessions/%s/lock", tableSessionID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// GetBill fetches the reconciled bill for a table session.
func (c *Client) GetBill(ctx context.Context, tableSessionID string) (*models.Bill, error) {
	var out models.Bill
	path := fmt.Sprintf("/api/v1/table-sessions/%s/bill", tableSessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment fetches a payment record, including its receipt URL once
// settled.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	var out models.Payment
	path := fmt.Sprintf("/api/v1/payments/%s", paymentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitFeedback posts a diner's rating for the session.
func (c *Client) SubmitFeedback(ctx context.Context, fb models.Feedback) error {
	return c.do(ctx, http.MethodPost, "/api/v1/feedback", fb, nil)
}

// UploadFeedbackPhoto uploads a photo attached to feedback and returns the
// stored URL.
func (c *Client) UploadFeedbackPhoto(ctx context.Context, tableSessionID, filename string, photo io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("photo", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := io.Copy(fw, photo); err != nil {
		return "", fmt.Errorf("copy photo: %w", err)
	}
	if err := mw.WriteField("tableSessionId", tableSessionID); err != nil {
		return "", fmt.Errorf("write multipart field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/feedback/photo", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload feedback photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}
	var out struct {
		PhotoURL string `json:"photoUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode photo response: %w", err)
	}
	return out.PhotoURL, nil
}

// do performs one JSON round trip. No automatic retries: failed calls
// surface to the caller, and recovery is user-triggered.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := decodeError(resp)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).Warn("API request failed")
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
