// Package appointmentservice implements appointment booking inside the
// scheduling context.
//
// The module owns the booking workflow end to end: the HTTP-facing
// commands, the saga that coordinates availability validation, slot
// reservation and confirmation across step consumers, the compensation
// path, and the choreography variant of the same flow. State changes and
// the messages announcing them always commit in one transaction through
// the shared outbox.
package appointmentservice
