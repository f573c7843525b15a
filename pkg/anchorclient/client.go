/**
 * @description
 * This package provides a client for interacting with the Anchor BaaS API.
 * It encapsulates the logic for making authenticated HTTP requests to Anchor's
 * endpoints, handling request body construction, and parsing responses.
 * Every failure is reported as an *APIError that says whether the caller may retry.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package anchorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client is a client for the Anchor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Anchor API client. A non-positive timeout falls back to 30s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CounterPartyRequest registers a beneficiary bank account with Anchor.
type CounterPartyRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			AccountName   string `json:"accountName,omitempty"`
			AccountNumber string `json:"accountNumber"`
			BankCode      string `json:"bankCode"`
			VerifyName    bool   `json:"verifyName"`
		} `json:"attributes"`
	} `json:"data"`
}

// CounterPartyResponse is the expected response from the counterparty endpoint.
type CounterPartyResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// NIPTransferRequest represents the payload for an Anchor NIP Transfer.
type NIPTransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency  string `json:"currency"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
			Reference string `json:"reference"`
		} `json:"attributes"`
		Relationships struct {
			Account struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"account"`
			CounterParty struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"counterParty"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferResponse is the expected response from Anchor's transfer endpoints.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status    string `json:"status"`
			Reference string `json:"reference"`
			Fee       int64  `json:"fee"`
			Reason    string `json:"failureReason"`
		} `json:"attributes"`
	} `json:"data"`
}

const TransferStatusFailed = "FAILED"

// ErrorResponse represents an error body from the Anchor API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

// APIError is returned for every failed Anchor call.
type APIError struct {
	Op         string
	StatusCode int
	Title      string
	Detail     string
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("anchor api error: %s: %v", e.Op, e.Err)
	case e.Title != "" || e.Detail != "":
		return fmt.Sprintf("anchor api error: %s (status %d): %s - %s", e.Op, e.StatusCode, e.Title, e.Detail)
	default:
		return fmt.Sprintf("anchor api error: %s (status %d)", e.Op, e.StatusCode)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an Anchor failure the caller may safely retry.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// retryableStatus classifies HTTP statuses: throttling, timeouts and server faults may succeed later.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// TransferParams describes one outbound transfer to a bank account.
type TransferParams struct {
	SourceAccountID string
	AccountNumber   string
	BankCode        string
	AccountName     string
	Amount          int64 // in kobo
	Reason          string
	// Reference doubles as the idempotency key sent to Anchor.
	Reference string
}

// InitiateNIPTransfer registers the counterparty and sends an external NIP transfer.
// A transfer Anchor reports as FAILED is a non-retryable *APIError.
func (c *Client) InitiateNIPTransfer(ctx context.Context, params TransferParams) (*TransferResponse, error) {
	counterPartyID, err := c.createCounterParty(ctx, params)
	if err != nil {
		return nil, err
	}

	reqPayload := NIPTransferRequest{}
	reqPayload.Data.Type = "NIPTransfer"
	reqPayload.Data.Attributes.Currency = "NGN"
	reqPayload.Data.Attributes.Amount = params.Amount
	reqPayload.Data.Attributes.Reason = params.Reason
	reqPayload.Data.Attributes.Reference = params.Reference
	reqPayload.Data.Relationships.Account.Data.Type = "DepositAccount"
	reqPayload.Data.Relationships.Account.Data.ID = params.SourceAccountID
	reqPayload.Data.Relationships.CounterParty.Data.Type = "CounterParty"
	reqPayload.Data.Relationships.CounterParty.Data.ID = counterPartyID

	var transferResp TransferResponse
	if err := c.do(ctx, "transfer", "/api/v1/transfers", params.Reference, reqPayload, &transferResp); err != nil {
		return nil, err
	}

	if strings.EqualFold(transferResp.Data.Attributes.Status, TransferStatusFailed) {
		log.Printf("level=warn component=anchor_client op=transfer transfer_id=%s msg=\"transfer rejected\" reason=%q", transferResp.Data.ID, transferResp.Data.Attributes.Reason)
		return nil, &APIError{
			Op:         "transfer",
			StatusCode: http.StatusOK,
			Title:      "transfer failed",
			Detail:     transferResp.Data.Attributes.Reason,
			Retryable:  false,
		}
	}

	return &transferResp, nil
}

func (c *Client) createCounterParty(ctx context.Context, params TransferParams) (string, error) {
	reqPayload := CounterPartyRequest{}
	reqPayload.Data.Type = "CounterParty"
	reqPayload.Data.Attributes.AccountName = params.AccountName
	reqPayload.Data.Attributes.AccountNumber = params.AccountNumber
	reqPayload.Data.Attributes.BankCode = params.BankCode
	reqPayload.Data.Attributes.VerifyName = false

	var cpResp CounterPartyResponse
	if err := c.do(ctx, "create_counterparty", "/api/v1/counterparties", "", reqPayload, &cpResp); err != nil {
		return "", err
	}
	if cpResp.Data.ID == "" {
		return "", &APIError{Op: "create_counterparty", StatusCode: http.StatusOK, Title: "missing counterparty id", Retryable: false}
	}
	return cpResp.Data.ID, nil
}

// do is a generic helper that POSTs payload and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, path, idempotencyKey string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &APIError{Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return &APIError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-anchor-key", c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport failures and deadlines leave the outcome unknown; the reference makes a retry safe.
		log.Printf("level=warn component=anchor_client op=%s msg=\"request failed\" err=%v", op, err)
		return &APIError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Retryable: retryableStatus(resp.StatusCode)}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=anchor_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return apiErr
		}
		apiErr.Title = firstErrorTitle(errResp)
		apiErr.Detail = firstErrorDetail(errResp)
		log.Printf("level=warn component=anchor_client op=%s status=%d retryable=%t title=%q detail=%q", op, resp.StatusCode, apiErr.Retryable, apiErr.Title, apiErr.Detail)
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		// The call went through but its result is unreadable; treat it like an ambiguous timeout.
		return &APIError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("failed to decode success response: %w", err)}
	}
	return nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
