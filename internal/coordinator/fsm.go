// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
)

// Event is a lifecycle trigger applied to a remediation action.
type Event string

const (
	EventApprove Event = "approve"
	EventReject  Event = "reject"
	EventTrigger Event = "trigger"
	EventSucceed Event = "succeed"
	EventFail    Event = "fail"
)

// transitions is the complete action lifecycle. Anything not listed here is
// an invalid transition; terminal statuses have no outgoing edges.
var transitions = map[models.ActionStatus]map[Event]models.ActionStatus{
	models.ActionStatusPending: {
		EventApprove: models.ActionStatusApproved,
		EventReject:  models.ActionStatusRejected,
	},
	models.ActionStatusApproved: {
		EventTrigger: models.ActionStatusExecuting,
	},
	models.ActionStatusExecuting: {
		EventSucceed: models.ActionStatusCompleted,
		EventFail:    models.ActionStatusFailed,
	},
}

// Transition returns the status reached by applying event to current. The
// table alone does not make a transition safe against races; callers must
// pair it with a compare-and-swap on the store.
func Transition(current models.ActionStatus, event Event) (models.ActionStatus, error) {
	next, found := transitions[current][event]
	if !found {
		return "", errs.NewValidation("cannot %s an action in status %s", event, current)
	}
	return next, nil
}
