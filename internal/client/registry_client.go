package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/service"
)

// RegistryClient is a client for the lab master-data service, which owns
// test types and labs.
type RegistryClient struct {
	baseURL string
	http    *http.Client
}

// NewRegistryClient creates a new registry client.
func NewRegistryClient(baseURL string) *RegistryClient {
	return &RegistryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type testTypeResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	LabID string `json:"lab_id"`
}

// GetTestType resolves a test type by ID. Implements
// service.TestTypeRegistry.
func (c *RegistryClient) GetTestType(ctx context.Context, id string) (*service.TestTypeInfo, error) {
	url := fmt.Sprintf("%s/api/v1/test-types/%s", c.baseURL, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build registry request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "registry request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errors.NotFound("test_type", id)
	default:
		return nil, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("registry returned status %d", resp.StatusCode))
	}

	var body testTypeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode registry response")
	}

	return &service.TestTypeInfo{
		ID:    body.ID,
		Name:  body.Name,
		LabID: body.LabID,
	}, nil
}
