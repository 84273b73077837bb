package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// TaskResponse — task из API.
type TaskResponse struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	FeatureID  string         `json:"feature_id"`
	SchemaID   string         `json:"schema_id"`
	Input      map[string]any `json:"input,omitempty"`
	QuotaCost  int64          `json:"quota_cost"`
	Status     string         `json:"status"`
	Artifacts  map[string]any `json:"artifacts,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// StepResponse — step из API.
type StepResponse struct {
	ID          string         `json:"id"`
	StepIndex   int            `json:"step_index"`
	BranchID    string         `json:"branch_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
}

// TaskDetailResponse — task вместе со steps.
type TaskDetailResponse struct {
	TaskResponse
	Steps []StepResponse `json:"steps"`
}

// SchemaResponse — pipeline-схема из API.
type SchemaResponse struct {
	ID        string          `json:"id"`
	Category  string          `json:"category"`
	Version   int             `json:"version"`
	Nodes     json.RawMessage `json:"nodes"`
	Edges     json.RawMessage `json:"edges"`
	IsValid   bool            `json:"is_valid"`
	CreatedAt string          `json:"created_at"`
}

// QuotaResponse — квотный баланс из API.
type QuotaResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// ProviderHealthResponse — снимок здоровья провайдера из API.
type ProviderHealthResponse struct {
	ProviderRef         string  `json:"provider_ref"`
	Status              string  `json:"status"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	SuccessRate         float64 `json:"success_rate"`
	LastCheckAt         string  `json:"last_check_at"`
}

// --- Request types ---

// CreateTaskRequest — создание task.
type CreateTaskRequest struct {
	UserID    string         `json:"user_id"`
	FeatureID string         `json:"feature_id,omitempty"`
	SchemaID  string         `json:"schema_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	QuotaCost int64          `json:"quota_cost"`
}

// CancelTaskRequest — отмена task.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListTasksOpts — параметры выборки tasks.
type ListTasksOpts struct {
	UserID string
	Limit  int
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

// Client — HTTP-клиент для API движка.
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

// --- Tasks ---

// CreateTask создаёт task.
func (c *Client) CreateTask(req CreateTaskRequest) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post("/api/v1/tasks", req, &task)
	return &task, err
}

// GetTask возвращает task вместе со steps.
func (c *Client) GetTask(id string) (*TaskDetailResponse, error) {
	var task TaskDetailResponse
	err := c.get("/api/v1/tasks/"+id, &task)
	return &task, err
}

// ListTasks возвращает tasks пользователя.
func (c *Client) ListTasks(opts ListTasksOpts) ([]TaskResponse, error) {
	params := url.Values{}
	params.Set("user_id", opts.UserID)
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var tasks []TaskResponse
	err := c.list("/api/v1/tasks", params, &tasks)
	return tasks, err
}

// CancelTask запрашивает отмену task.
func (c *Client) CancelTask(id, reason string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post("/api/v1/tasks/"+id+"/cancel", CancelTaskRequest{Reason: reason}, &task)
	return &task, err
}

// --- Schemas ---

// CreateSchema публикует новую версию схемы.
// spec — тело запроса целиком (category, nodes, edges, ...).
func (c *Client) CreateSchema(spec json.RawMessage) (*SchemaResponse, error) {
	var schema SchemaResponse
	err := c.post("/api/v1/schemas", spec, &schema)
	return &schema, err
}

// GetSchema возвращает схему по ID.
func (c *Client) GetSchema(id string) (*SchemaResponse, error) {
	var schema SchemaResponse
	err := c.get("/api/v1/schemas/"+id, &schema)
	return &schema, err
}

// GetLatestSchema возвращает последнюю валидную версию категории.
func (c *Client) GetLatestSchema(category string) (*SchemaResponse, error) {
	var schema SchemaResponse
	err := c.get("/api/v1/schemas/latest?category="+url.QueryEscape(category), &schema)
	return &schema, err
}

// --- Quota ---

// GetQuota возвращает квотный баланс пользователя.
func (c *Client) GetQuota(userID string) (*QuotaResponse, error) {
	var quota QuotaResponse
	err := c.get("/api/v1/users/"+userID+"/quota", &quota)
	return &quota, err
}

// --- Health ---

// ListProviderHealth возвращает health-снимки провайдеров.
func (c *Client) ListProviderHealth() ([]ProviderHealthResponse, error) {
	var snapshots []ProviderHealthResponse
	err := c.list("/api/v1/health/providers", nil, &snapshots)
	return snapshots, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
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
