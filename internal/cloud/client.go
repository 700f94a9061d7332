// Package cloud talks to the remote project/account API and reconciles
// locally known projects against the remote listing.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sergeknystautas/specmux/internal/errs"
	"github.com/sergeknystautas/specmux/internal/state"
)

// RemoteProject is a project record as the remote API reports it.
type RemoteProject struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OrgID   string `json:"orgId"`
	OrgName string `json:"orgName"`
	Public  bool   `json:"public"`
}

// Org is a remote organization.
type Org struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Run is one recorded run of a project.
type Run struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultBaseURL is the production account API endpoint.
const DefaultBaseURL = "https://api.specmux.io/v1"

// Client is the account API client. Transient failures (network errors and
// 5xx responses) are retried with exponential backoff; definite statuses
// are returned to the caller untranslated.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureAuthToken loads the cached auth token, fetching it from disk on
// first use. A missing token is an auth error; callers surface it as a
// login prompt.
func (c *Client) EnsureAuthToken() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	dir, err := state.Dir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "auth.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Auth(0, "not logged in", nil)
		}
		return "", fmt.Errorf("failed to read auth token: %w", err)
	}
	var blob struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &blob); err != nil || blob.Token == "" {
		return "", errs.Auth(0, "auth token file is unreadable", err)
	}
	c.token = blob.Token
	return c.token, nil
}

// GetProjects lists every project visible to the authenticated user.
func (c *Client) GetProjects(ctx context.Context) ([]RemoteProject, error) {
	var out []RemoteProject
	err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// GetProject fetches one project by id.
func (c *Client) GetProject(ctx context.Context, id string) (*RemoteProject, error) {
	var out RemoteProject
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProjectRuns lists the recorded runs for a project.
func (c *Client) GetProjectRuns(ctx context.Context, id string) ([]Run, error) {
	var out []Run
	err := c.doJSON(ctx, http.MethodGet, "/projects/"+id+"/runs", nil, &out)
	return out, err
}

// GetProjectRecordKeys lists the record keys for a project.
func (c *Client) GetProjectRecordKeys(ctx context.Context, id string) ([]string, error) {
	var out []struct {
		Key string `json:"key"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+id+"/keys", nil, &out); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out))
	for _, k := range out {
		keys = append(keys, k.Key)
	}
	return keys, nil
}

// RequestAccess asks the owning org for access to a project.
func (c *Client) RequestAccess(ctx context.Context, projectID string) error {
	return c.doJSON(ctx, http.MethodPost, "/projects/"+projectID+"/membership_requests", nil, nil)
}

// GetOrgs lists the user's organizations.
func (c *Client) GetOrgs(ctx context.Context) ([]Org, error) {
	var out []Org
	err := c.doJSON(ctx, http.MethodGet, "/orgs", nil, &out)
	return out, err
}

// CreateProject registers a new remote project.
func (c *Client) CreateProject(ctx context.Context, name, orgID string, public bool) (*RemoteProject, error) {
	body := map[string]any{"name": name, "orgId": orgID, "public": public}
	var out RemoteProject
	if err := c.doJSON(ctx, http.MethodPost, "/projects", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	token, err := c.EnsureAuthToken()
	if err != nil {
		return err
	}

	operation := func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to encode request body: %w", err))
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err // transport error, retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errs.Auth(resp.StatusCode, "remote API error", nil)
		}
		if resp.StatusCode >= 400 {
			// Definite answer; never retry, never translate.
			return backoff.Permanent(errs.Auth(resp.StatusCode, "remote API rejected request", nil))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(operation, policy)
}
