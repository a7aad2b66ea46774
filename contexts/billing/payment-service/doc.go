// Package paymentservice implements appointment charging inside the
// billing context.
//
// The module reacts to slot-reserved events by creating exactly one
// payment per appointment (unique-constraint idempotency) and publishing
// the charge outcome through the shared outbox.
package paymentservice
