package workers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	application "smarthealth/contexts/scheduling/appointment-service/application"
	"smarthealth/contexts/scheduling/appointment-service/application/saga"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/messages"
	"smarthealth/internal/shared/outbox"
)

const stallTimeoutReason = "booking timed out waiting for a step result"

// sweepStates are the states a stalled saga is pushed out of. Compensating
// is excluded: driving a stuck compensation into compensation again would
// just loop.
var sweepStates = []string{saga.StateValidating, saga.StateReserving, saga.StateConfirming}

// StallSweeper drives sagas that stopped making progress into compensation.
// A lost step result, a dead consumer or a dropped reply all surface the
// same way: an instance sitting untouched in a waiting state.
type StallSweeper struct {
	Sagas        ports.SagaRepository
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	StallTimeout time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

func (w StallSweeper) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(w.Logger)
	timeout := w.StallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	limit := w.BatchSize
	if limit <= 0 {
		limit = 50
	}
	now := w.Clock.Now().UTC()

	stalled, err := w.Sagas.ListStalledSagas(ctx, now.Add(-timeout), sweepStates, limit)
	if err != nil {
		logger.Error("stalled saga listing failed",
			"event", "stall_sweep_list_failed",
			"module", moduleName,
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}

	for _, instance := range stalled {
		if err := w.sweep(ctx, instance, now, logger); err != nil {
			logger.Error("stalled saga sweep failed",
				"event", "stall_sweep_failed",
				"module", moduleName,
				"layer", "worker",
				"correlation_id", instance.CorrelationID,
				"error", err.Error(),
			)
		}
	}
	if len(stalled) > 0 {
		logger.Info("stall sweep cycle completed",
			"event", "stall_sweep_completed",
			"module", moduleName,
			"layer", "worker",
			"swept_count", len(stalled),
		)
	}
	return nil
}

func (w StallSweeper) sweep(ctx context.Context, instance ports.SagaInstance, now time.Time, logger *slog.Logger) error {
	expectedVersion := instance.Version
	instance.CurrentState = saga.StateCompensating
	instance.FailureReason = stallTimeoutReason
	instance.UpdatedAt = now

	payload, err := json.Marshal(messages.CompensateAppointment{
		AppointmentID: instance.CorrelationID,
		Reason:        stallTimeoutReason,
	})
	if err != nil {
		return err
	}
	id, err := w.IDGenerator.NewID(ctx)
	if err != nil {
		return err
	}

	err = w.Sagas.SaveSagaWithOutbox(ctx, instance, expectedVersion, []outbox.Message{{
		ID:            id,
		MessageType:   messages.TypeCompensateAppointment,
		Payload:       payload,
		CorrelationID: instance.CorrelationID,
		CreatedAt:     now,
	}})
	if errors.Is(err, domainerrors.ErrSagaVersionConflict) {
		// The saga moved on its own between listing and saving.
		logger.Debug("stalled saga advanced before sweep",
			"event", "stall_sweep_lost_race",
			"module", moduleName,
			"layer", "worker",
			"correlation_id", instance.CorrelationID,
		)
		return nil
	}
	if err != nil {
		return err
	}

	logger.Warn("stalled saga driven to compensation",
		"event", "stall_sweep_compensating",
		"module", moduleName,
		"layer", "worker",
		"correlation_id", instance.CorrelationID,
	)
	return nil
}
