package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
)

// Code is a stable, machine-readable error identifier clients localise on.
type Code string

const (
	CodeCapacityExceeded      Code = "CAPACITY_EXCEEDED"
	CodeInvalidSessionState   Code = "INVALID_SESSION_STATE"
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeProviderInitFailed    Code = "PROVIDER_INIT_FAILED"
	CodeRefundPolicyViolation Code = "REFUND_POLICY_VIOLATION"
	CodeRefundProviderFailed  Code = "REFUND_PROVIDER_FAILED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeSettlementConflict    Code = "SETTLEMENT_CONFLICT"
	CodeLedgerInconsistent    Code = "LEDGER_INCONSISTENT"
	CodeInvalidBookingState   Code = "INVALID_BOOKING_STATE"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
)

// Error is the typed error returned by the booking services.
type Error struct {
	code    Code
	msg     string
	details map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the machine-readable code.
func (e *Error) Code() Code { return e.code }

// Message is the human-readable description.
func (e *Error) Message() string { return e.msg }

// Details is structured context for the client (item index, counts, hours).
func (e *Error) Details() map[string]any { return e.details }

// CodeOf returns the code of a service error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

func capacityExceeded(item int, scheduleID uint64, requested, available int) *Error {
	return &Error{
		code: CodeCapacityExceeded,
		msg:  fmt.Sprintf("item %d: %d participants requested but only %d available", item, requested, available),
		details: map[string]any{
			"item_index": item, "schedule_id": scheduleID, "requested": requested, "available": available,
		},
	}
}

func invalidSessionState(id string, current, expected model.SessionStatus) *Error {
	return &Error{
		code:    CodeInvalidSessionState,
		msg:     fmt.Sprintf("session %s is %s, expected %s", id, current, expected),
		details: map[string]any{"session_id": id, "current": current, "expected": expected},
	}
}

func sessionExpired(id string, at time.Time) *Error {
	return &Error{
		code:    CodeSessionExpired,
		msg:     fmt.Sprintf("session %s expired at %s", id, at.UTC().Format(time.RFC3339)),
		details: map[string]any{"session_id": id, "expires_at": at.UTC()},
	}
}

func providerInitFailed(p model.Provider, err error) *Error {
	return &Error{
		code:    CodeProviderInitFailed,
		msg:     fmt.Sprintf("could not start %s payment", p),
		details: map[string]any{"provider": p, "provider_message": err.Error()},
		err:     err,
	}
}

func refundPolicyViolation(hoursRemaining float64, cutoff time.Duration) *Error {
	return &Error{
		code: CodeRefundPolicyViolation,
		msg: fmt.Sprintf("refunds close %.0f hours before the tour; %.1f hours remain",
			cutoff.Hours(), hoursRemaining),
		details: map[string]any{"hours_remaining": hoursRemaining, "cutoff_hours": cutoff.Hours()},
	}
}

func refundProviderFailed(bookingID uint64, p model.Provider, err error) *Error {
	return &Error{
		code:    CodeRefundProviderFailed,
		msg:     fmt.Sprintf("%s refund for booking %d failed", p, bookingID),
		details: map[string]any{"booking_id": bookingID, "provider": p},
		err:     err,
	}
}

func notFound(resource string, id any) *Error {
	return &Error{
		code:    CodeNotFound,
		msg:     fmt.Sprintf("%s %v not found", resource, id),
		details: map[string]any{"resource": resource, "id": id},
	}
}

func settlementConflict(sessionID string, item int, scheduleID uint64, requested, available int, created []uint64) *Error {
	return &Error{
		code: CodeSettlementConflict,
		msg:  "your payment was received but the booking needs manual review; our team will contact you",
		details: map[string]any{
			"session_id": sessionID, "item_index": item, "schedule_id": scheduleID,
			"requested": requested, "available": available, "booking_ids": created,
		},
	}
}

func ledgerInconsistent(scheduleID uint64, a Availability) *Error {
	return &Error{
		code: CodeLedgerInconsistent,
		msg:  fmt.Sprintf("schedule %d availability is negative (%d)", scheduleID, a.Available),
		details: map[string]any{
			"schedule_id": scheduleID, "max": a.MaxParticipants, "confirmed": a.Confirmed, "reserved": a.Reserved,
			"settling": a.Settling,
		},
	}
}

func invalidBookingState(id uint64, current, expected model.BookingStatus) *Error {
	return &Error{
		code:    CodeInvalidBookingState,
		msg:     fmt.Sprintf("booking %d is %s, expected %s", id, current, expected),
		details: map[string]any{"booking_id": id, "current": current, "expected": expected},
	}
}

func refundInProgress(id uint64) *Error {
	return &Error{
		code:    CodeInvalidBookingState,
		msg:     fmt.Sprintf("booking %d is already being refunded", id),
		details: map[string]any{"booking_id": id, "current": model.BookingConfirmed, "refund_in_progress": true},
	}
}

func validationFailed(msg string, details map[string]any) *Error {
	return &Error{code: CodeValidationFailed, msg: msg, details: details}
}
