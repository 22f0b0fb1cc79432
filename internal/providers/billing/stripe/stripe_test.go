package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoiceLineItem(t *testing.T) {
	var (
		gotPath    string
		gotAuth    string
		gotIdemKey string
		gotForm    map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdemKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ii_123"}`))
	}))
	defer srv.Close()

	client := New("sk_test", srv.URL, srv.Client(), nil)
	ref, err := client.CreateInvoiceLineItem(context.Background(), billingdomain.LineItemRequest{
		CustomerRef:    "cus_1",
		Amount:         decimal.RequireFromString("0.2"),
		Currency:       "USD",
		Description:    "Pro overage: api_calls",
		PeriodStart:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Metadata:       map[string]string{"meter_id": "42"},
		IdempotencyKey: "overage:1",
	})
	require.NoError(t, err)

	assert.Equal(t, "ii_123", ref)
	assert.Equal(t, "/v1/invoiceitems", gotPath)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "overage:1", gotIdemKey)
	assert.Equal(t, "cus_1", gotForm["customer"])
	assert.Equal(t, "usd", gotForm["currency"])
	assert.Equal(t, "20", gotForm["unit_amount_decimal"])
	assert.Equal(t, "42", gotForm["metadata[meter_id]"])
	assert.Equal(t, "1767225600", gotForm["period[start]"])
}

func TestReportUsageGeneratesIdempotencyKey(t *testing.T) {
	var gotPath, gotIdemKey, gotQuantity, gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdemKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotQuantity = r.PostForm.Get("quantity")
		gotAction = r.PostForm.Get("action")
		_, _ = w.Write([]byte(`{"id":"mbur_1"}`))
	}))
	defer srv.Close()

	client := New("sk_test", srv.URL, srv.Client(), nil)
	ref, err := client.ReportUsage(context.Background(), billingdomain.UsageRecordRequest{
		SubscriptionItemRef: "si_1",
		Quantity:            12.2,
		Timestamp:           time.Unix(1767225600, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, "mbur_1", ref)
	assert.Equal(t, "/v1/subscription_items/si_1/usage_records", gotPath)
	assert.Len(t, gotIdemKey, 26)
	assert.Equal(t, "13", gotQuantity)
	assert.Equal(t, "set", gotAction)
}

func TestStripeErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	client := New("sk_test", srv.URL, srv.Client(), nil)
	_, err := client.CreateInvoiceLineItem(context.Background(), billingdomain.LineItemRequest{
		CustomerRef: "cus_1",
		Amount:      decimal.NewFromInt(5),
		Currency:    "usd",
	})
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusPaymentRequired, reqErr.StatusCode)
	assert.Equal(t, "card_declined", reqErr.Code)
}

func TestValidationBeforeRequest(t *testing.T) {
	client := New("", "", nil, nil)

	_, err := client.CreateInvoiceLineItem(context.Background(), billingdomain.LineItemRequest{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, billingdomain.ErrMissingCustomer)

	_, err = client.CreateInvoiceLineItem(context.Background(), billingdomain.LineItemRequest{CustomerRef: "cus_1"})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidAmount)

	_, err = client.ReportUsage(context.Background(), billingdomain.UsageRecordRequest{})
	assert.ErrorIs(t, err, billingdomain.ErrMissingSubscriptionItem)

	_, err = client.CreateInvoiceLineItem(context.Background(), billingdomain.LineItemRequest{CustomerRef: "cus_1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidConfig)
}

func TestRequestHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := New("sk_test", srv.URL, srv.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.ReportUsage(ctx, billingdomain.UsageRecordRequest{SubscriptionItemRef: "si_1", Quantity: 1, Timestamp: time.Now()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateInvoiceLineItemMinorUnits(t *testing.T) {
	tests := []struct {
		currency string
		amount   string
		want     string
	}{
		{currency: "usd", amount: "1.25", want: "125"},
		{currency: "EUR", amount: "0.005", want: "0.5"},
		{currency: "JPY", amount: "150", want: "150"},
		{currency: "krw", amount: "1200.5", want: "1200.5"},
		{currency: "kwd", amount: "1.25", want: "1250"},
	}

	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				got = r.PostForm.Get("unit_amount_decimal")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"ii_1"}`))
			}))
			defer srv.Close()

			client := New("sk_test", srv.URL, srv.Client(), nil)
			_, err := client.CreateInvoiceLineItem(context.Background(), billingdomain.LineItemRequest{
				CustomerRef: "cus_1",
				Amount:      decimal.RequireFromString(tt.amount),
				Currency:    tt.currency,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
