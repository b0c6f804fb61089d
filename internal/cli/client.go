package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// FlowResponse — flow из API.
type FlowResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Slug           string          `json:"slug"`
	Code           string          `json:"code"`
	Graph          json.RawMessage `json:"graph,omitempty"`
	GraphHash      string          `json:"graph_hash"`
	Status         string          `json:"status"`
	ContainerID    string          `json:"container_id,omitempty"`
	Image          string          `json:"image,omitempty"`
	Entrypoint     string          `json:"entrypoint,omitempty"`
	LastStartedAt  string          `json:"last_started_at,omitempty"`
	LastFinishedAt string          `json:"last_finished_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// ActionResponse — итог действия над flow.
type ActionResponse struct {
	OK            bool   `json:"ok"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Pending       bool   `json:"pending,omitempty"`
	Message       string `json:"message,omitempty"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID          string   `json:"id"`
	FlowID      string   `json:"flow_id"`
	Type        string   `json:"type"`
	Active      bool     `json:"active"`
	Status      string   `json:"status"`
	ContainerID string   `json:"container_id,omitempty"`
	Actors      []string `json:"actors,omitempty"`
	Events      []string `json:"events,omitempty"`
	StartedAt   string   `json:"started_at,omitempty"`
	FinishedAt  string   `json:"finished_at,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// LogResponse — запись журнала flow из API.
type LogResponse struct {
	ID        string         `json:"id"`
	FlowID    string         `json:"flow_id"`
	RunID     string         `json:"flow_run_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// --- Request types ---

// CreateFlowRequest — создание flow.
type CreateFlowRequest struct {
	Name       string          `json:"name"`
	Code       string          `json:"code"`
	Graph      json.RawMessage `json:"graph,omitempty"`
	Image      string          `json:"image,omitempty"`
	Entrypoint string          `json:"entrypoint,omitempty"`
}

// UpdateFlowRequest — обновление flow.
type UpdateFlowRequest struct {
	Name       *string         `json:"name,omitempty"`
	Code       *string         `json:"code,omitempty"`
	Graph      json.RawMessage `json:"graph,omitempty"`
	Image      *string         `json:"image,omitempty"`
	Entrypoint *string         `json:"entrypoint,omitempty"`
}

// StartRequest — параметры development deploy.
type StartRequest struct {
	TestRunID string `json:"test_run_id,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для flowdeploy API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Flows ---

// ListFlows возвращает все flows.
func (c *Client) ListFlows() ([]FlowResponse, error) {
	var flows []FlowResponse
	err := c.list("/api/v1/flows", nil, &flows)
	return flows, err
}

// CreateFlow создаёт новый flow.
func (c *Client) CreateFlow(req CreateFlowRequest) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.post("/api/v1/flows", req, &flow)
	return &flow, err
}

// GetFlow возвращает flow по ID.
func (c *Client) GetFlow(id string) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.get("/api/v1/flows/"+id, &flow)
	return &flow, err
}

// UpdateFlow обновляет flow.
func (c *Client) UpdateFlow(id string, req UpdateFlowRequest) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.put("/api/v1/flows/"+id, req, &flow)
	return &flow, err
}

// DeleteFlow останавливает runs и удаляет flow.
func (c *Client) DeleteFlow(id string) error {
	return c.delete("/api/v1/flows/" + id)
}

// --- Actions ---

// Start запускает development run.
func (c *Client) Start(flowID string, req StartRequest) (*ActionResponse, error) {
	return c.action(flowID, "start", req)
}

// Stop останавливает development run.
func (c *Client) Stop(flowID string) (*ActionResponse, error) {
	return c.action(flowID, "stop", nil)
}

// Deploy запускает production run.
func (c *Client) Deploy(flowID string) (*ActionResponse, error) {
	return c.action(flowID, "deploy", nil)
}

// Undeploy останавливает production run.
func (c *Client) Undeploy(flowID string) (*ActionResponse, error) {
	return c.action(flowID, "undeploy", nil)
}

func (c *Client) action(flowID, name string, body any) (*ActionResponse, error) {
	var res ActionResponse
	err := c.post("/api/v1/flows/"+flowID+"/"+name, body, &res)
	return &res, err
}

// --- Runs / Logs ---

// ListRuns возвращает последние runs flow.
func (c *Client) ListRuns(flowID string, limit int) ([]RunResponse, error) {
	var runs []RunResponse
	err := c.list("/api/v1/flows/"+flowID+"/runs", limitParams(limit), &runs)
	return runs, err
}

// ListLogs возвращает журнал flow.
func (c *Client) ListLogs(flowID string, limit int) ([]LogResponse, error) {
	var logs []LogResponse
	err := c.list("/api/v1/flows/"+flowID+"/logs", limitParams(limit), &logs)
	return logs, err
}

func limitParams(limit int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return params
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
