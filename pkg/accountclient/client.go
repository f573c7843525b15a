/**
 * @description
 * This package provides a client for communicating with the account-service.
 * It encapsulates the logic for making API calls to the account service,
 * specifically for looking up the virtual account a user funds their wallet through.
 */
package accountclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFundingAccountNotFound is returned when the account service has no funding account for the user.
var ErrFundingAccountNotFound = errors.New("funding account not found")

// Client is a client for the account service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new account service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FundingAccount is the bank account a user transfers money into to top up their wallet.
type FundingAccount struct {
	AccountID     string `json:"account_id"`
	AccountNumber string `json:"virtual_nuban"`
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
}

// GetFundingAccount calls the account-service to resolve the funding account for a ledger account.
func (c *Client) GetFundingAccount(ctx context.Context, accountID string) (*FundingAccount, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("account service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/accounts/%s/funding", c.baseURL, url.PathEscape(accountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to account service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrFundingAccountNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("account service returned error status %d", resp.StatusCode)
	}

	var response FundingAccount
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}
