package appointmentservice

import (
	"log/slog"
	"time"

	httpadapter "smarthealth/contexts/scheduling/appointment-service/adapters/http"
	"smarthealth/contexts/scheduling/appointment-service/adapters/memory"
	"smarthealth/contexts/scheduling/appointment-service/application/commands"
	"smarthealth/contexts/scheduling/appointment-service/application/queries"
	"smarthealth/contexts/scheduling/appointment-service/application/saga"
	"smarthealth/contexts/scheduling/appointment-service/application/workers"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/messages"
)

// Module is the appointment-service composition root exposed to runtime
// wiring. The API process uses Handler; the worker process uses the
// orchestration or choreography consumer set plus the stall sweeper.
type Module struct {
	Handler      httpadapter.Handler
	Orchestrator saga.Orchestrator
	Validator    workers.AvailabilityValidator
	SlotReserver workers.SlotReserver
	Confirmer    workers.Confirmer
	Compensator  workers.Compensator
	Choreography workers.Choreography
	StallSweeper workers.StallSweeper
	Store        *memory.Store
}

// Dependencies captures all runtime ports/config required by NewModule.
type Dependencies struct {
	Appointments ports.AppointmentRepository
	Sagas        ports.SagaRepository
	Dedup        ports.EventDedupStore
	Publisher    ports.EventPublisher
	Registry     *messages.Registry
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	DedupTTL     time.Duration
	StallTimeout time.Duration
	Logger       *slog.Logger
}

// NewModule wires use-cases, saga components and transport handler with
// explicit ports.
func NewModule(deps Dependencies) Module {
	book := commands.BookAppointmentUseCase{
		Appointments: deps.Appointments,
		Clock:        deps.Clock,
		IDGenerator:  deps.IDGenerator,
		Logger:       deps.Logger,
	}
	cancel := commands.CancelAppointmentUseCase{
		Appointments: deps.Appointments,
		Clock:        deps.Clock,
		IDGenerator:  deps.IDGenerator,
		Logger:       deps.Logger,
	}
	getStatus := queries.GetBookingStatusUseCase{
		Appointments: deps.Appointments,
		Sagas:        deps.Sagas,
		Logger:       deps.Logger,
	}

	return Module{
		Handler: httpadapter.Handler{
			Book:      book,
			Cancel:    cancel,
			GetStatus: getStatus,
			Logger:    deps.Logger,
		},
		Orchestrator: saga.Orchestrator{
			Sagas:       deps.Sagas,
			Registry:    deps.Registry,
			Clock:       deps.Clock,
			IDGenerator: deps.IDGenerator,
			Logger:      deps.Logger,
		},
		Validator: workers.AvailabilityValidator{
			Appointments: deps.Appointments,
			Publisher:    deps.Publisher,
			Registry:     deps.Registry,
			Clock:        deps.Clock,
			IDGenerator:  deps.IDGenerator,
			Logger:       deps.Logger,
		},
		SlotReserver: workers.SlotReserver{
			Appointments: deps.Appointments,
			Dedup:        deps.Dedup,
			Publisher:    deps.Publisher,
			Registry:     deps.Registry,
			Clock:        deps.Clock,
			IDGenerator:  deps.IDGenerator,
			DedupTTL:     deps.DedupTTL,
			Logger:       deps.Logger,
		},
		Confirmer: workers.Confirmer{
			Appointments: deps.Appointments,
			Dedup:        deps.Dedup,
			Registry:     deps.Registry,
			Clock:        deps.Clock,
			IDGenerator:  deps.IDGenerator,
			DedupTTL:     deps.DedupTTL,
			Logger:       deps.Logger,
		},
		Compensator: workers.Compensator{
			Appointments: deps.Appointments,
			Dedup:        deps.Dedup,
			Registry:     deps.Registry,
			Clock:        deps.Clock,
			IDGenerator:  deps.IDGenerator,
			DedupTTL:     deps.DedupTTL,
			Logger:       deps.Logger,
		},
		Choreography: workers.Choreography{
			Appointments: deps.Appointments,
			Dedup:        deps.Dedup,
			Publisher:    deps.Publisher,
			Registry:     deps.Registry,
			Clock:        deps.Clock,
			IDGenerator:  deps.IDGenerator,
			DedupTTL:     deps.DedupTTL,
			Logger:       deps.Logger,
		},
		StallSweeper: workers.StallSweeper{
			Sagas:        deps.Sagas,
			Clock:        deps.Clock,
			IDGenerator:  deps.IDGenerator,
			StallTimeout: deps.StallTimeout,
			Logger:       deps.Logger,
		},
	}
}

// NewInMemoryModule builds a development/testing module with the in-memory
// store backing every persistence port.
func NewInMemoryModule(publisher ports.EventPublisher, logger *slog.Logger) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		Appointments: store,
		Sagas:        store,
		Dedup:        store,
		Publisher:    publisher,
		Registry:     messages.NewRegistry(),
		Clock:        store,
		IDGenerator:  store,
		DedupTTL:     7 * 24 * time.Hour,
		StallTimeout: 10 * time.Minute,
		Logger:       logger,
	})
	module.Store = store
	return module
}
