// Package identity resolves usernames against the external identity
// store. The gateway never owns user records; it only looks them up to
// attach a caller identity to forwarded sessions.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rulegate/pkg/httpx"
	"rulegate/pkg/models"
)

// ErrUnknownUser reports a username the identity store does not know.
type ErrUnknownUser struct {
	Username string
}

func (e *ErrUnknownUser) Error() string {
	return fmt.Sprintf("unknown user %q", e.Username)
}

// Finder looks up a user by username. Implementations return a
// non-persisted ephemeral user when the store is unreachable, so a
// trusted token can still carry an identity through an outage; they
// return an error when the store answers that no such user exists.
type Finder interface {
	FindUser(ctx context.Context, username string) (*models.User, error)
}

// HTTPStore resolves users against a remote identity service,
// GET {BaseURL}/users/{username}.
type HTTPStore struct {
	BaseURL    string
	Client     *http.Client
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (s *HTTPStore) FindUser(ctx context.Context, username string) (*models.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/users/" + url.PathEscape(username)
	headers := map[string]string{}
	if s.AuthHeader != "" && s.AuthToken != "" {
		headers[s.AuthHeader] = s.AuthToken
	}
	status, body, err := httpx.RequestJSON(
		ctx, s.Client, http.MethodGet, endpoint, nil, headers, s.Retries, s.RetryDelay)
	if err != nil {
		// Identity store unreachable: mint an ephemeral user so the
		// session keeps its identity. Never persisted.
		log.Printf("identity store unreachable, ephemeral user %q: %v", username, err)
		return &models.User{Username: username, Ephemeral: true}, nil
	}
	if status == http.StatusNotFound {
		return nil, &ErrUnknownUser{Username: username}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("identity store returned %d for %q", status, username)
	}
	var user models.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("identity store payload: %w", err)
	}
	if user.Username == "" {
		user.Username = username
	}
	return &user, nil
}

// StaticStore serves a fixed user set. Used in tests and when the
// gateway runs without an external identity service.
type StaticStore map[string]*models.User

func (s StaticStore) FindUser(ctx context.Context, username string) (*models.User, error) {
	if user, ok := s[username]; ok {
		return user, nil
	}
	return nil, &ErrUnknownUser{Username: username}
}
