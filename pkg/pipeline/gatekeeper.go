package pipeline

import (
	"github.com/snirego/feedbackd/pkg/models"
)

// GateConfidenceThreshold is the minimum recommendation confidence for
// automatic work-item creation.
const GateConfidenceThreshold = 0.7

// Decision is the gatekeeper's verdict on a thread state.
type Decision struct {
	ShouldCreate    bool
	WorkItemType    models.WorkItemType
	NewThreadStatus models.ThreadStatus
	Reason          string
}

// Gate deterministically converts a thread state into a decision. Pure
// function: no I/O, no logging, no clock — the same state always yields
// the same decision. Rules evaluate in order:
//
//  1. NoTicket keeps the thread open without a work item.
//  2. AskQuestions parks the thread on the user.
//  3. A create recommendation at or above the confidence threshold
//     creates its work item type.
//  4. SplitIntoTwo creates one item from the top candidate when that
//     candidate clears the threshold; the second item is a manual call.
//  5. Everything else stays open below the threshold.
func Gate(state models.ThreadState) Decision {
	rec := state.Recommendation

	switch rec.Action {
	case models.ActionNoTicket:
		return Decision{
			NewThreadStatus: models.ThreadStatusOpen,
			Reason:          rec.Reason,
		}

	case models.ActionAskQuestions:
		return Decision{
			NewThreadStatus: models.ThreadStatusWaitingOnUser,
			Reason:          rec.Reason,
		}

	case models.ActionCreateBugWorkItem:
		if rec.Confidence >= GateConfidenceThreshold {
			return Decision{
				ShouldCreate:    true,
				WorkItemType:    models.WorkItemBug,
				NewThreadStatus: models.ThreadStatusOpen,
				Reason:          rec.Reason,
			}
		}

	case models.ActionCreateFeatureWorkItem:
		if rec.Confidence >= GateConfidenceThreshold {
			return Decision{
				ShouldCreate:    true,
				WorkItemType:    models.WorkItemFeature,
				NewThreadStatus: models.ThreadStatusOpen,
				Reason:          rec.Reason,
			}
		}

	case models.ActionSplitIntoTwo:
		if top, ok := state.TopCandidate(); ok && top.Confidence >= GateConfidenceThreshold {
			return Decision{
				ShouldCreate:    true,
				WorkItemType:    models.CoerceWorkItemType(top.Type),
				NewThreadStatus: models.ThreadStatusOpen,
				Reason:          "split: " + top.ShortTitle,
			}
		}
	}

	return Decision{
		NewThreadStatus: models.ThreadStatusOpen,
		Reason:          "confidence below threshold",
	}
}
