// Package roster resolves conversation participants against the messaging
// backend's REST API.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vishnenko/ringline/internal/callsession"
)

const requestTimeout = 10 * time.Second

// Resolver looks up the members of a conversation. It performs a single
// GET per lookup and never retries; retry policy belongs to the caller.
type Resolver struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewResolver(baseURL, authToken string) *Resolver {
	return &Resolver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

type memberResponse struct {
	Members []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"members"`
}

func (r *Resolver) Members(ctx context.Context, conversationID string) ([]callsession.Member, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/members", r.baseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build member lookup request: %w", err)
	}
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversation member lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conversation member lookup: unexpected status %d", resp.StatusCode)
	}

	var body memberResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode member lookup response: %w", err)
	}

	members := make([]callsession.Member, 0, len(body.Members))
	for _, m := range body.Members {
		members = append(members, callsession.Member{ID: m.ID, Name: m.DisplayName})
	}
	return members, nil
}
