package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pairchat/pkg/domain"
)

// API calls the chat service's HTTP endpoints.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPI constructs an HTTP client for baseURL authenticated with token.
func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Conversation loads the full thread between two users, oldest first.
func (a *API) Conversation(ctx context.Context, user1, user2 domain.ID) ([]domain.Message, error) {
	var msgs []domain.Message
	err := a.get(ctx, fmt.Sprintf("/messages/%s/%s", user1, user2), &msgs)
	return msgs, err
}

// Directory lists every user with their presence.
func (a *API) Directory(ctx context.Context) ([]domain.DirectoryEntry, error) {
	var entries []domain.DirectoryEntry
	err := a.get(ctx, "/users", &entries)
	return entries, err
}

func (a *API) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError represents a chat service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}
