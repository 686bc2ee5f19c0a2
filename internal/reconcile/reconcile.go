// Package reconcile contains the payment-status decision logic shared by
// every ingress point (gateway webhook, client poll, admin override).
package reconcile

import (
	"errors"
	"fmt"

	"github.com/jkirwa/botstore-system/internal/model"
)

// ErrInvalidSignal is returned for payment states outside the known
// vocabulary; the caller must not mutate anything.
var ErrInvalidSignal = errors.New("invalid payment signal")

// Source tags where a signal entered the system.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceAdmin   Source = "admin"
)

// Payment states reported by the gateways.
const (
	StateFinished      = "finished"
	StatePaid          = "paid"
	StatePartiallyPaid = "partially_paid"
	StateFailed        = "failed"
	StateRefunded      = "refunded"
	StateExpired       = "expired"

	// Intermediate gateway states: recognized, but never cause a transition.
	StateWaiting    = "waiting"
	StateConfirming = "confirming"
	StateSending    = "sending"
)

// adminAllowed is the fixed set of statuses an admin override may set.
var adminAllowed = map[model.OrderStatus]struct{}{
	model.OrderStatusConfirmed:          {},
	model.OrderStatusNoPayment:          {},
	model.OrderStatusPartialPayment:     {},
	model.OrderStatusPendingSTK:         {},
	model.OrderStatusConfirmedServerSTK: {},
	model.FailedTag(model.ProviderSTK, "cancelled"): {},
}

// Signal carries one provider-reported payment state together with its
// provenance. For admin signals State holds the target status verbatim.
type Signal struct {
	State    string
	Provider model.Provider
	Source   Source
	Detail   string
}

// Note renders the audit-trail line appended to the order on a transition.
func (s Signal) Note() string {
	if s.Detail != "" {
		return fmt.Sprintf("%s/%s: %s (%s)", s.Source, s.Provider, s.State, s.Detail)
	}
	if s.Source == SourceAdmin {
		return fmt.Sprintf("admin: set %s", s.State)
	}
	return fmt.Sprintf("%s/%s: %s", s.Source, s.Provider, s.State)
}

// Decide is the pure decision function mapping (current status, signal) to
// the next status. It never performs I/O. transitioned=false means the signal
// is an idempotent replay and must not trigger side effects.
//
// A confirmed-family status is terminal for provider signals: late partial or
// failure reports (including refunds) never silently regress it. Moving an
// order out of the confirmed family requires an explicit admin override.
func Decide(current model.OrderStatus, sig Signal) (model.OrderStatus, bool, error) {
	if sig.Source == SourceAdmin {
		target := model.OrderStatus(sig.State)
		if _, ok := adminAllowed[target]; !ok {
			return current, false, fmt.Errorf("%w: admin target %q", ErrInvalidSignal, sig.State)
		}
		return target, target != current, nil
	}

	switch sig.State {
	case StateFinished, StatePaid:
		if model.InConfirmedFamily(current) {
			return current, false, nil
		}
		return model.ConfirmedTag(sig.Provider), true, nil

	case StatePartiallyPaid:
		target := model.PartialTag(sig.Provider)
		if current == target || model.InConfirmedFamily(current) {
			return current, false, nil
		}
		return target, true, nil

	case StateFailed, StateRefunded, StateExpired:
		if model.HasFailedProvider(current, sig.Provider) || model.InConfirmedFamily(current) {
			return current, false, nil
		}
		return model.FailedTag(sig.Provider, sig.State), true, nil

	case StateWaiting, StateConfirming, StateSending:
		return current, false, nil

	default:
		return current, false, fmt.Errorf("%w: %q", ErrInvalidSignal, sig.State)
	}
}
