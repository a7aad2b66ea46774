package errors

import "errors"

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrDuplicatePayment     = errors.New("payment already exists for appointment")
	ErrInvalidChargeRequest = errors.New("invalid charge request")
	ErrGatewayDeclined      = errors.New("charge declined by gateway")
)
