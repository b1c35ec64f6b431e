package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
)

// Client is the API client for docstring-harvester
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetStats retrieves storage totals
func (c *Client) GetStats(ctx context.Context) (*domain.Stats, error) {
	var response struct {
		Data *domain.Stats `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/stats", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// ListRepos retrieves processed repositories, newest first
func (c *Client) ListRepos(ctx context.Context, limit, offset int) ([]*domain.ProcessedRepository, error) {
	var response struct {
		Data []*domain.ProcessedRepository `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/repos", pageParams(limit, offset), &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetRepo retrieves one processed repository
func (c *Client) GetRepo(ctx context.Context, id int64) (*domain.ProcessedRepository, error) {
	path := fmt.Sprintf("/api/v1/repos/%d", id)

	var response struct {
		Data *domain.ProcessedRepository `json:"data"`
	}
	if err := c.get(ctx, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetRepoUnits retrieves the code units of a repository
func (c *Client) GetRepoUnits(ctx context.Context, id int64, limit, offset int) ([]*domain.CodeUnit, error) {
	path := fmt.Sprintf("/api/v1/repos/%d/units", id)

	var response struct {
		Data []*domain.CodeUnit `json:"data"`
	}
	if err := c.get(ctx, path, pageParams(limit, offset), &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// ListRuns retrieves recent harvest runs
func (c *Client) ListRuns(ctx context.Context, limit int) ([]*domain.HarvestRun, error) {
	var response struct {
		Data []*domain.HarvestRun `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/runs", pageParams(limit, 0), &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/health", nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

func pageParams(limit, offset int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return params
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decodeError(resp, body)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// decodeError turns an error response back into an AppError when the
// server sent one
func decodeError(resp *http.Response, body []byte) error {
	var payload struct {
		Error struct {
			Code    apperrors.ErrCode `json:"code"`
			Message string            `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error.Code == "" {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	return &apperrors.AppError{Code: payload.Error.Code, Message: payload.Error.Message}
}
