package payment

// ReadyRequest is the body of POST /ready
type ReadyRequest struct {
	PackageID int `json:"packageId" validate:"required,min=1"`
}

// RefundRequest is the body of POST /refund
type RefundRequest struct {
	OrderID string `json:"orderId" validate:"required,order_id"`
}
