// Package stripe talks to the Stripe REST API with form-encoded requests.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.stripe.com"

type stripeObject struct {
	ID string `json:"id"`
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RequestError is a non-2xx response from Stripe.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stripe %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func New(apiKey, baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: baseURL,
		client:  httpClient,
		log:     log.Named("billing.stripe"),
	}
}

func (c *Client) Name() string { return "stripe" }

// ReportUsage posts a usage record with action=set, so a retried report of the
// same period total never double counts.
func (c *Client) ReportUsage(ctx context.Context, req billingdomain.UsageRecordRequest) (string, error) {
	item := strings.TrimSpace(req.SubscriptionItemRef)
	if item == "" {
		return "", billingdomain.ErrMissingSubscriptionItem
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity < 0 {
		return "", billingdomain.ErrInvalidAmount
	}

	values := url.Values{}
	values.Set("quantity", strconv.FormatInt(int64(math.Ceil(req.Quantity)), 10))
	values.Set("timestamp", strconv.FormatInt(req.Timestamp.Unix(), 10))
	values.Set("action", "set")

	obj, err := c.post(ctx, "/v1/subscription_items/"+url.PathEscape(item)+"/usage_records", values, req.IdempotencyKey)
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (c *Client) CreateInvoiceLineItem(ctx context.Context, req billingdomain.LineItemRequest) (string, error) {
	customer := strings.TrimSpace(req.CustomerRef)
	if customer == "" {
		return "", billingdomain.ErrMissingCustomer
	}
	if !req.Amount.IsPositive() {
		return "", billingdomain.ErrInvalidAmount
	}

	values := url.Values{}
	values.Set("customer", customer)
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	values.Set("currency", currency)
	values.Set("quantity", "1")
	// unit_amount_decimal is expressed in the currency's minor unit and keeps sub-unit precision.
	values.Set("unit_amount_decimal", minorUnits(req.Amount, currency).String())
	if req.Description != "" {
		values.Set("description", req.Description)
	}
	if !req.PeriodStart.IsZero() && !req.PeriodEnd.IsZero() {
		values.Set("period[start]", strconv.FormatInt(req.PeriodStart.Unix(), 10))
		values.Set("period[end]", strconv.FormatInt(req.PeriodEnd.Unix(), 10))
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values.Set("metadata["+k+"]", req.Metadata[k])
	}

	obj, err := c.post(ctx, "/v1/invoiceitems", values, req.IdempotencyKey)
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (c *Client) post(ctx context.Context, path string, values url.Values, idempotencyKey string) (stripeObject, error) {
	if c.apiKey == "" {
		return stripeObject{}, billingdomain.ErrInvalidConfig
	}
	if idempotencyKey == "" {
		idempotencyKey = ulid.Make().String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return stripeObject{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return stripeObject{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return stripeObject{}, &RequestError{StatusCode: resp.StatusCode, Message: "stripe_request_failed"}
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		c.log.Warn("stripe request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", stripeErr.Error.Code),
		)
		return stripeObject{}, &RequestError{StatusCode: resp.StatusCode, Code: stripeErr.Error.Code, Message: message}
	}

	var obj stripeObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return stripeObject{}, err
	}
	if obj.ID == "" {
		return stripeObject{}, errors.New("stripe_response_invalid")
	}
	return obj, nil
}
