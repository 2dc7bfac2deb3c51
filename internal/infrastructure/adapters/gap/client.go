package gap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gap-service/donation_service/internal/domain/entities"
	"github.com/gap-service/donation_service/pkg/metrics"
	"github.com/gap-service/donation_service/pkg/security"
)

// Config represents indexer client configuration
type Config struct {
	BaseURL     string
	Environment string // "staging" or "production"
	APIKey      string
	Timeout     time.Duration
}

// Client is an indexer API client. Every call is attempted once; the circuit
// breaker and rate limiter guard the indexer instead of retries.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	validate       *validator.Validate
	logger         *zap.Logger
}

// NewClient creates a new indexer API client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.BaseURL == "" {
		if config.Environment == "production" {
			config.BaseURL = ProductionURL
		} else {
			config.BaseURL = StagingURL
		}
	}

	cbSettings := gobreaker.Settings{
		Name:        "IndexerAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Indexer circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	if config.APIKey != "" {
		logger.Debug("Indexer client configured",
			zap.String("base_url", config.BaseURL),
			zap.String("api_key", security.MaskAPIKey(config.APIKey)))
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(MaxRequestsPerSecond), 1),
		validate:       validator.New(),
		logger:         logger,
	}
}

// GetProject fetches the funding metadata of a project
func (c *Client) GetProject(ctx context.Context, uid string) (*entities.ProjectFunding, error) {
	if uid == "" {
		return nil, fmt.Errorf("get project: empty uid")
	}
	endpoint := fmt.Sprintf(projectPath, url.PathEscape(uid))

	var project entities.ProjectFunding
	if err := c.doRequest(ctx, "get_project", http.MethodGet, endpoint, nil, &project); err != nil {
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return nil, fmt.Errorf("get project %s: %w", uid, ErrProjectNotFound)
		}
		return nil, fmt.Errorf("get project %s failed: %w", uid, err)
	}
	if project.UID == "" {
		project.UID = uid
	}
	return &project, nil
}

// RecordDonation stores a confirmed on-chain donation
func (c *Client) RecordDonation(ctx context.Context, record entities.DonationRecord) error {
	if err := c.validate.Struct(record); err != nil {
		return fmt.Errorf("invalid donation record: %w", err)
	}

	var resp DonationResponse
	if err := c.doRequest(ctx, "record_donation", http.MethodPost, donationsPath, record, &resp); err != nil {
		return fmt.Errorf("record donation failed: %w", err)
	}

	c.logger.Info("Donation recorded",
		zap.String("uid", record.UID),
		zap.String("project_uid", record.ProjectUID),
		zap.String("tx_hash", record.TransactionHash))
	return nil
}

func (c *Client) doRequest(ctx context.Context, operation, method, endpoint string, body, response interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		metrics.BackendRequestsTotal.WithLabelValues(operation, "rate_limited").Inc()
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, c.doRequestInternal(ctx, method, endpoint, body, response)
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.BackendRequestsTotal.WithLabelValues(operation, result).Inc()
	return err
}

func (c *Client) doRequestInternal(ctx context.Context, method, endpoint string, body, response interface{}) error {
	fullURL := c.config.BaseURL + endpoint

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, errResp) != nil || errResp.Message == "" {
			errResp.Message = http.StatusText(resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		return errResp
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
