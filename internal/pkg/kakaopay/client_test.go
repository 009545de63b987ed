package kakaopay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReadySendsGatewayRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ready" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "SECRET_KEY test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["cid"] != DefaultCID || body["partner_order_id"] != "credit-order-1" || body["total_amount"] != float64(5000) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_code":-2,"error_message":"bad body"}`))
			return
		}
		_, _ = w.Write([]byte(`{"tid":"T1234","next_redirect_pc_url":"https://pay.test/pc","next_redirect_mobile_url":"https://pay.test/m"}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "test-key", "", time.Second)
	out, err := client.Ready(context.Background(), ReadyRequest{
		PartnerOrderID: "credit-order-1",
		PartnerUserID:  "user-1",
		ItemName:       "100 credits",
		TotalAmount:    5000,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.TID != "T1234" || out.NextRedirectPCURL != "https://pay.test/pc" || out.NextRedirectMobileURL != "https://pay.test/m" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestApproveDecodesAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/approve" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"aid":"A1","tid":"T1234","payment_method_type":"MONEY","amount":{"total":5000}}`))
	}))
	t.Cleanup(server.Close)

	out, err := NewClient(server.URL, "k", "", time.Second).Approve(context.Background(), ApproveRequest{TID: "T1234", PGToken: "pg"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Amount.Total != 5000 || out.PaymentMethodType != "MONEY" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestAPIErrorIsDecoded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":-780,"error_message":"approval failure"}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, "k", "", time.Second).Cancel(context.Background(), CancelRequest{TID: "T", CancelAmount: 100})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != -780 || apiErr.Message != "approval failure" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestTimeoutClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, "k", "", 20*time.Millisecond).Ready(context.Background(), ReadyRequest{PartnerOrderID: "o"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1", "", "", time.Second).Ready(context.Background(), ReadyRequest{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
