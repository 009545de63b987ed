package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/closzit/closzit-api/internal/config"
	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/domain/payment"
	"github.com/closzit/closzit-api/internal/domain/reconciliation"
	"github.com/closzit/closzit-api/internal/memstore"
	"github.com/closzit/closzit-api/internal/middleware"
	"github.com/closzit/closzit-api/internal/pkg/jwt"
	"github.com/closzit/closzit-api/internal/pkg/metrics"
)

type stubGateway struct{}

func (stubGateway) Name() string { return "kakaopay" }

func (stubGateway) Prepare(ctx context.Context, req payment.PrepareRequest) (*payment.PrepareResult, error) {
	return &payment.PrepareResult{TransactionID: "T-" + req.OrderID, RedirectPCURL: "https://pay.example/pc"}, nil
}

func (stubGateway) Confirm(ctx context.Context, req payment.ConfirmRequest) (*payment.ConfirmResult, error) {
	return &payment.ConfirmResult{PaymentMethod: "MONEY", ApprovedAt: time.Now()}, nil
}

func (stubGateway) Cancel(ctx context.Context, req payment.CancelRequest) (*payment.CancelResult, error) {
	return &payment.CancelResult{RefundedAmount: req.Amount}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *jwt.Service) {
	t.Helper()

	cfg := &config.Config{AllowedOrigins: []string{"*"}, FrontendURL: "http://front.test"}
	m := memstore.New()
	reg := prometheus.NewRegistry()

	creditSvc := credit.NewService(m.Credits(), credit.Options{})
	paymentSvc := payment.NewService(m.Payments(), m.Outbox(), m.Audit(), creditSvc, stubGateway{}, nil, payment.Config{CallbackBaseURL: "http://api.test"})
	processor := outbox.NewProcessor(m.Outbox(), outbox.ProcessorConfig{}, outbox.MustNewMetrics(reg))
	reconciler := reconciliation.NewService(m.Payments(), m.Outbox(), m.Audit(), creditSvc, reconciliation.Config{}, reconciliation.MustNewMetrics(reg))

	jwtSvc := jwt.NewService("secret", time.Minute)
	r := newRouter(cfg, routes{
		auth:           middleware.Auth(jwtSvc),
		credit:         credit.NewHandler(creditSvc),
		payment:        payment.NewHandler(paymentSvc, cfg.FrontendURL),
		reconciliation: reconciliation.NewHandler(reconciler),
		outbox:         outbox.NewHandler(processor),
		metrics:        metrics.Handler(reg),
	})
	return r, jwtSvc
}

func bearer(t *testing.T, svc *jwt.Service, role string) string {
	t.Helper()
	return bearerFor(t, svc, uuid.New(), role)
}

func bearerFor(t *testing.T, svc *jwt.Service, userID uuid.UUID, role string) string {
	t.Helper()
	token, err := svc.GenerateAccessToken(userID, role)
	if err != nil {
		t.Fatalf("token gen failed: %v", err)
	}
	return "Bearer " + token
}

func TestRouterPublicRoutes(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/metrics"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestRouterRequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{"/api/v1/credits", "/api/v1/payments/kakaopay/packages", "/api/admin/payments/outbox/stats"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestRouterAdminRequiresAdminRole(t *testing.T) {
	r, jwtSvc := newTestRouter(t)

	for role, want := range map[string]int{jwt.RoleUser: http.StatusForbidden, jwt.RoleAdmin: http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/payments/outbox/stats", nil)
		req.Header.Set("Authorization", bearer(t, jwtSvc, role))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("role %s: expected %d, got %d", role, want, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/payments/reconcile", nil)
	req.Header.Set("Authorization", bearer(t, jwtSvc, jwt.RoleAdmin))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d", rr.Code)
	}
}

func TestRouterUserPaymentRoutes(t *testing.T) {
	r, jwtSvc := newTestRouter(t)
	auth := bearer(t, jwtSvc, jwt.RoleUser)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/kakaopay/packages", nil)
	req.Header.Set("Authorization", auth)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("packages: expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/payments/kakaopay/verify/all", nil)
	req.Header.Set("Authorization", auth)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify/all: expected 200, got %d", rr.Code)
	}
}

func TestRouterCallbackRedirectsToFrontend(t *testing.T) {
	r, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payment/kakaopay/cancel", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "http://front.test/payment/cancel" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payment/kakaopay/approve", nil))
	if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, "http://front.test/payment/fail?reason=") {
		t.Fatalf("unexpected redirect %q", loc)
	}
}

func TestRouterPurchaseCreditsNewUser(t *testing.T) {
	r, jwtSvc := newTestRouter(t)
	auth := bearerFor(t, jwtSvc, uuid.New(), jwt.RoleUser)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/kakaopay/ready", strings.NewReader(`{"packageId":4}`))
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("ready: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var ready struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &ready); err != nil || ready.Data.OrderID == "" {
		t.Fatalf("ready: no order id in %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payment/kakaopay/approve?partner_order_id="+ready.Data.OrderID+"&pg_token=tok", nil))
	if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, "http://front.test/payment/success") {
		t.Fatalf("approve: unexpected redirect %q", loc)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil)
	req.Header.Set("Authorization", auth)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var balance struct {
		Data struct {
			Balance int `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &balance); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Data.Balance != 100 {
		t.Fatalf("expected 100 credits, got %d", balance.Data.Balance)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/payments/kakaopay/verify?orderId="+ready.Data.OrderID, nil)
	req.Header.Set("Authorization", auth)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), "CREDIT_NOT_GRANTED") {
		t.Fatalf("verify: got %d: %s", rr.Code, rr.Body.String())
	}
}
