package notify

import (
	"strings"

	"github.com/todo-1m/offline/internal/contracts"
)

// ShouldNotify decides whether an outcome becomes a user-visible
// notification. Client errors (4xx) are left to the call site.
func ShouldNotify(status contracts.ActionStatus, err *contracts.APIError) bool {
	switch status {
	case contracts.StatusQueued, contracts.StatusSuccess:
		return true
	case contracts.StatusFailed:
		if err == nil {
			return true
		}
		return err.Status == contracts.StatusNoNetwork || err.Status >= 500
	default:
		return false
	}
}

// ShouldNotifyState applies ShouldNotify plus the silent flag, which only
// suppresses success.
func ShouldNotifyState(state contracts.ActionToastState) bool {
	if state.Status == contracts.StatusSuccess && state.Silent {
		return false
	}
	return ShouldNotify(state.Status, state.Error)
}

// Select picks the variant and copy for a state ShouldNotifyState accepted.
func Select(state contracts.ActionToastState) contracts.Notification {
	n := contracts.Notification{ID: state.ID, Status: state.Status}
	switch state.Status {
	case contracts.StatusQueued:
		n.Variant = contracts.VariantInfo
		n.Title = "Saved offline"
		n.Description = "This change will be sent when you are back online."
	case contracts.StatusSuccess:
		n.Variant = contracts.VariantSuccess
		n.Title = "Done"
		n.Description = strings.TrimSpace(state.SuccessMessage)
		if n.Description == "" {
			n.Description = "Your change was saved."
		}
	case contracts.StatusFailed:
		n.Variant = contracts.VariantError
		if state.Error == nil || state.Error.Status == contracts.StatusNoNetwork {
			n.Title = "No connection"
			n.Description = "Check your connection and try again."
		} else {
			n.Title = "Something went wrong"
			n.Description = "The server could not complete the request. Please try again later."
		}
	default:
		n.Variant = contracts.VariantInfo
		n.Title = string(state.Status)
	}
	return n
}
