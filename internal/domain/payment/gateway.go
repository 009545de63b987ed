package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/closzit/closzit-api/internal/pkg/kakaopay"
)

// Gateway is the external payment provider.
type Gateway interface {
	// Name is the lowercase provider name used in idempotency keys.
	Name() string
	Prepare(ctx context.Context, req PrepareRequest) (*PrepareResult, error)
	Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error)
	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
}

type PrepareRequest struct {
	OrderID     string
	UserID      string
	ItemName    string
	Amount      int
	ApprovalURL string
	CancelURL   string
	FailURL     string
}

type PrepareResult struct {
	TransactionID     string `json:"tid"`
	RedirectPCURL     string `json:"next_redirect_pc_url"`
	RedirectMobileURL string `json:"next_redirect_mobile_url"`
	RedirectAppURL    string `json:"next_redirect_app_url,omitempty"`
}

type ConfirmRequest struct {
	TransactionID string
	OrderID       string
	UserID        string
	Token         string
}

type ConfirmResult struct {
	ApprovedAmount int
	PaymentMethod  string
	ApprovedAt     time.Time
}

type CancelRequest struct {
	TransactionID string
	Amount        int
}

type CancelResult struct {
	RefundedAmount int
}

// KakaoPayGateway adapts the KakaoPay client to Gateway.
type KakaoPayGateway struct {
	client *kakaopay.Client
}

func NewKakaoPayGateway(client *kakaopay.Client) *KakaoPayGateway {
	return &KakaoPayGateway{client: client}
}

func (g *KakaoPayGateway) Name() string { return "kakaopay" }

func (g *KakaoPayGateway) Prepare(ctx context.Context, req PrepareRequest) (*PrepareResult, error) {
	resp, err := g.client.Ready(ctx, kakaopay.ReadyRequest{
		PartnerOrderID: req.OrderID,
		PartnerUserID:  req.UserID,
		ItemName:       req.ItemName,
		Quantity:       1,
		TotalAmount:    req.Amount,
		ApprovalURL:    req.ApprovalURL,
		CancelURL:      req.CancelURL,
		FailURL:        req.FailURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}
	return &PrepareResult{
		TransactionID:     resp.TID,
		RedirectPCURL:     resp.NextRedirectPCURL,
		RedirectMobileURL: resp.NextRedirectMobileURL,
		RedirectAppURL:    resp.NextRedirectAppURL,
	}, nil
}

func (g *KakaoPayGateway) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	resp, err := g.client.Approve(ctx, kakaopay.ApproveRequest{
		TID:            req.TransactionID,
		PartnerOrderID: req.OrderID,
		PartnerUserID:  req.UserID,
		PGToken:        req.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}
	return &ConfirmResult{
		ApprovedAmount: resp.Amount.Total,
		PaymentMethod:  resp.PaymentMethodType,
		ApprovedAt:     parseGatewayTime(resp.ApprovedAt),
	}, nil
}

func (g *KakaoPayGateway) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	resp, err := g.client.Cancel(ctx, kakaopay.CancelRequest{
		TID:          req.TransactionID,
		CancelAmount: req.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}
	return &CancelResult{RefundedAmount: resp.CanceledAmount.Total}, nil
}

// KakaoPay reports local Korean time without a zone.
var kst = time.FixedZone("KST", 9*60*60)

func parseGatewayTime(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, kst)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
