package paymentservice

import (
	"log/slog"

	"smarthealth/contexts/billing/payment-service/adapters/gateway"
	httpadapter "smarthealth/contexts/billing/payment-service/adapters/http"
	"smarthealth/contexts/billing/payment-service/adapters/memory"
	"smarthealth/contexts/billing/payment-service/application/queries"
	"smarthealth/contexts/billing/payment-service/application/workers"
	"smarthealth/contexts/billing/payment-service/ports"
	"smarthealth/internal/shared/messages"
)

// Module is the payment-service composition root.
type Module struct {
	Handler  httpadapter.Handler
	Consumer workers.SlotReservedConsumer
	Store    *memory.Store
}

// Dependencies captures all runtime ports/config required by NewModule.
type Dependencies struct {
	Payments    ports.PaymentRepository
	Gateway     ports.ChargeGateway
	Registry    *messages.Registry
	Clock       ports.Clock
	IDGenerator ports.IDGenerator
	AmountCents int64
	Currency    string
	Logger      *slog.Logger
}

func NewModule(deps Dependencies) Module {
	return Module{
		Handler: httpadapter.Handler{
			GetPayment: queries.GetPaymentUseCase{
				Payments: deps.Payments,
				Logger:   deps.Logger,
			},
			Logger: deps.Logger,
		},
		Consumer: workers.SlotReservedConsumer{
			Payments:    deps.Payments,
			Gateway:     deps.Gateway,
			Registry:    deps.Registry,
			Clock:       deps.Clock,
			IDGenerator: deps.IDGenerator,
			AmountCents: deps.AmountCents,
			Currency:    deps.Currency,
			Logger:      deps.Logger,
		},
	}
}

// NewInMemoryModule builds a development/testing module with in-memory
// adapters and the simulated gateway.
func NewInMemoryModule(logger *slog.Logger) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		Payments:    store,
		Gateway:     gateway.Simulated{},
		Registry:    messages.NewRegistry(),
		Clock:       store,
		IDGenerator: store,
		Logger:      logger,
	})
	module.Store = store
	return module
}
