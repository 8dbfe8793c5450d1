/**
 * @description
 * This package provides a client for the mobile money collections API used to
 * charge subscription fees. It encapsulates the logic for making authenticated
 * HTTP requests, handling request body construction, and parsing responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package momoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the mobile money collections API.
type Client struct {
	BaseURL         string
	APIKey          string
	SubscriptionKey string
	HTTPClient      *http.Client
}

// NewClient creates a new mobile money API client.
func NewClient(baseURL, apiKey, subscriptionKey string) *Client {
	return &Client{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		SubscriptionKey: subscriptionKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RequestToPayRequest represents the payload for a collection request.
type RequestToPayRequest struct {
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	ExternalID string `json:"externalId"`
	Payer      struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId"`
	} `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

// PaymentStatusResponse is the expected response from the status endpoint.
type PaymentStatusResponse struct {
	ReferenceID           string `json:"referenceId"`
	Status                string `json:"status"` // PENDING, SUCCESSFUL, FAILED
	FinancialTransactionID string `json:"financialTransactionId,omitempty"`
	Reason                string `json:"reason,omitempty"`
}

// ErrorResponse represents an error from the mobile money API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("momo api error: %s - %s", e.Code, e.Message)
	}
	return "unknown momo api error"
}

// RequestToPay asks the gateway to charge a subscriber's mobile money wallet.
// referenceID is caller-generated and used to poll the payment status later.
func (c *Client) RequestToPay(ctx context.Context, referenceID, msisdn, currency string, amount int64, note string) error {
	reqPayload := RequestToPayRequest{
		Amount:       fmt.Sprintf("%d", amount),
		Currency:     currency,
		ExternalID:   referenceID,
		PayerMessage: note,
		PayeeNote:    note,
	}
	reqPayload.Payer.PartyIDType = "MSISDN"
	reqPayload.Payer.PartyID = msisdn

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal requesttopay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/collection/v1_0/requesttopay", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create requesttopay request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reference-Id", referenceID)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.SubscriptionKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute requesttopay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=momo_client op=requesttopay status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=momo_client op=requesttopay status=%d code=%q message=%q", resp.StatusCode, errResp.Code, errResp.Message)
		return &errResp
	}

	return nil
}

// GetPaymentStatus fetches the current state of a collection request.
func (c *Client) GetPaymentStatus(ctx context.Context, referenceID string) (*PaymentStatusResponse, error) {
	url := c.BaseURL + "/collection/v1_0/requesttopay/" + referenceID

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.SubscriptionKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=momo_client op=get_status reference_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", referenceID, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=momo_client op=get_status reference_id=%s status=%d code=%q message=%q", referenceID, resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &errResp
	}

	var statusResp PaymentStatusResponse
	if err := json.Unmarshal(bodyBytes, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	statusResp.ReferenceID = referenceID

	return &statusResp, nil
}
