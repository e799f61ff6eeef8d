package github

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

type dispatchRequest struct {
	EventType     string `json:"event_type"`
	ClientPayload any    `json:"client_payload"`
}

// RepositoryDispatch fires a repository_dispatch event on repository.
func (c *Client) RepositoryDispatch(ctx context.Context, repository, eventType string, payload any) error {
	p, err := repoPath(repository)
	if err != nil {
		return err
	}
	if eventType == "" {
		return errors.New("event type cannot be empty")
	}
	return c.do(ctx, http.MethodPost, p+"/dispatches", dispatchRequest{EventType: eventType, ClientPayload: payload}, nil)
}
