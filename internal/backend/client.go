// Package backend talks to the optional remote backend: password sign-in,
// location upserts, alert inserts and the contact list stored server side.
// The client never touches local state; callers decide what to do with the
// results.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	"sosguard/go-sos-server/internal/model"
)

var (
	// ErrRemote wraps transport and status failures from the backend.
	ErrRemote = errors.New("remote backend error")
	// ErrNotSignedIn is returned by calls that need a session when there is none.
	ErrNotSignedIn = errors.New("not signed in to backend")
)

const contactsTTL = time.Minute

// Session is the signed-in backend session.
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Client is a small REST client for the backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   *gocache.Cache
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	session *Session
}

// New returns a client for baseURL. An empty baseURL yields a disabled client.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   gocache.New(contactsTTL, 5*time.Minute),
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether a backend URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Session returns the current session if it has not expired.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil || !c.session.ExpiresAt.After(c.now()) {
		return Session{}, false
	}
	return *c.session, true
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		Phone        string         `json:"phone"`
		UserMetadata map[string]any `json:"user_metadata"`
	} `json:"user"`
}

// SignIn exchanges email and password for a session and returns the profile.
func (c *Client) SignIn(ctx context.Context, email, password string) (model.User, error) {
	body := map[string]string{"email": email, "password": password}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &resp, nil); err != nil {
		return model.User{}, err
	}
	if resp.AccessToken == "" {
		return model.User{}, fmt.Errorf("%w: sign-in returned no access token", ErrRemote)
	}

	session := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
		Email:        resp.User.Email,
		ExpiresAt:    c.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err != nil {
		c.logger.Warn("backend access token is not a JWT", "error", err)
	} else {
		if session.UserID == "" {
			session.UserID = claims.Subject
		}
		if claims.ExpiresAt != nil {
			session.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	if session.UserID == "" {
		return model.User{}, fmt.Errorf("%w: sign-in returned no user id", ErrRemote)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Info("signed in to backend", "user", session.UserID, "expires_at", session.ExpiresAt)

	name, _ := resp.User.UserMetadata["name"].(string)
	return model.User{
		ID:    session.UserID,
		Name:  name,
		Email: resp.User.Email,
		Phone: resp.User.Phone,
	}, nil
}

// SignOut ends the session. The local session is dropped even when the
// backend call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	c.cache.Flush()

	if session == nil {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/auth/v1/logout", session.AccessToken, nil, nil, nil)
}

// UpsertLocation stores the user's latest position, one row per user.
func (c *Client) UpsertLocation(ctx context.Context, sample model.LocationSample) error {
	session, err := c.requireSession()
	if err != nil {
		return err
	}

	row := map[string]any{
		"user_id":    session.UserID,
		"latitude":   sample.Latitude,
		"longitude":  sample.Longitude,
		"updated_at": sample.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates"}
	return c.do(ctx, http.MethodPost, "/rest/v1/user_locations?on_conflict=user_id", session.AccessToken, row, nil, headers)
}

// InsertAlert mirrors a recorded alert.
func (c *Client) InsertAlert(ctx context.Context, alert model.Alert) error {
	session, err := c.requireSession()
	if err != nil {
		return err
	}

	row := map[string]any{
		"id":        alert.ID,
		"user_id":   session.UserID,
		"type":      alert.Type,
		"message":   alert.Message,
		"location":  alert.Location,
		"timestamp": alert.Timestamp,
		"status":    alert.Status,
	}
	return c.do(ctx, http.MethodPost, "/rest/v1/emergency_alerts", session.AccessToken, row, nil, nil)
}

type contactRow struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Phone              string `json:"phone"`
	Relationship       string `json:"relationship"`
	IsEmergencyContact bool   `json:"is_emergency_contact"`
}

// SelectContacts lists the contacts stored for userID. Results are cached briefly.
func (c *Client) SelectContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	session, err := c.requireSession()
	if err != nil {
		return nil, err
	}

	key := "contacts:" + userID
	if cached, ok := c.cache.Get(key); ok {
		return append([]model.Contact(nil), cached.([]model.Contact)...), nil
	}

	path := "/rest/v1/emergency_contacts?user_id=eq." + url.QueryEscape(userID) + "&select=*"
	var rows []contactRow
	if err := c.do(ctx, http.MethodGet, path, session.AccessToken, nil, &rows, nil); err != nil {
		return nil, err
	}

	contacts := make([]model.Contact, 0, len(rows))
	for _, r := range rows {
		contacts = append(contacts, model.Contact{
			ID:                 r.ID,
			Name:               r.Name,
			Phone:              r.Phone,
			Relationship:       r.Relationship,
			IsEmergencyContact: r.IsEmergencyContact,
		})
	}

	c.cache.Set(key, contacts, gocache.DefaultExpiration)
	return append([]model.Contact(nil), contacts...), nil
}

func (c *Client) requireSession() (Session, error) {
	if !c.Enabled() {
		return Session{}, ErrNotSignedIn
	}
	session, ok := c.Session()
	if !ok {
		return Session{}, ErrNotSignedIn
	}
	return session, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any, headers map[string]string) error {
	if !c.Enabled() {
		return fmt.Errorf("%w: backend not configured", ErrRemote)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRemote, err)
	}

	req.Header.Set("apikey", c.apiKey)
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRemote, method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrRemote, path, err)
	}
	return nil
}
