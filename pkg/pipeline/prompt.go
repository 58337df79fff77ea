package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snirego/feedbackd/pkg/models"
)

// StateSchemaVersion ties the system prompt, the JSON schema it describes,
// and ValidateState together. Bump it whenever any of the three changes —
// they form one contract and live in this file on purpose.
const StateSchemaVersion = 3

// updaterSystemPrompt is the contract the model answers under. The rules
// the rest of the pipeline depends on are all stated here: JSON-only
// output, fact carry-over, the confidence calibration, and the NoTicket
// default for unrelated chatter.
const updaterSystemPrompt = `You are the analysis engine of a customer-feedback pipeline.
Given the current cumulative state of a support conversation and the full message
history, produce the next cumulative state.

OUTPUT RULES (mandatory):
- Reply with EXACTLY ONE JSON object. No prose, no markdown, no code fences.
- Every field uses the schema below. Omit optional fields instead of writing null.

SCHEMA:
{
  "summary": string,
  "userGoal": string (optional),
  "intent": one of "Bug" | "Feature" | "Performance" | "Billing" | "Other",
  "knownEnvironment": object with optional string keys
      device, os, browser, appVersion, hardware, network,
  "reproSteps": array of strings, in order,
  "expectedBehavior": string (optional),
  "actualBehavior": string (optional),
  "openQuestions": array of strings,
  "resolvedQuestions": array of strings,
  "signals": { "sentiment": string, "urgency": string, "impactGuess": string } (all optional),
  "workItemCandidates": array of { "type": string, "shortTitle": string,
      "reason": string, "confidence": number in [0,1] },
  "recommendation": { "action": one of "NoTicket" | "AskQuestions" |
      "CreateBugWorkItem" | "CreateFeatureWorkItem" | "SplitIntoTwo",
      "reason": string, "confidence": number in [0,1] },
  "duplicateHint": { "possibleDuplicate": boolean,
      "matchedWorkItemId": integer (optional), "matchedTicketUrl": string (optional) }
}

CUMULATIVE RULES:
- The state is cumulative. NEVER drop facts already established: carry over every
  previous reproStep, every knownEnvironment key, and every resolvedQuestion.
  Refine wording only when the conversation itself corrects a fact.
- Move a question from openQuestions to resolvedQuestions once the user answers it.

CONFIDENCE CALIBRATION:
- 0.9-1.0: explicit, reproducible report with environment details.
- 0.7-0.9: clear report, minor gaps a developer could fill.
- 0.4-0.7: plausible but missing key details; prefer AskQuestions.
- below 0.4: vague or unrelated; prefer NoTicket.

DEFAULTS:
- When the latest message is chit-chat or unrelated feedback, keep the state
  otherwise intact and set recommendation.action to "NoTicket".
- When two unrelated requests appear in one conversation, use "SplitIntoTwo" and
  list one workItemCandidate per request, most confident first.`

// SystemPrompt returns the updater system prompt.
func SystemPrompt() string {
	return updaterSystemPrompt
}

// BuildUserPrompt renders the current state and the full conversation in
// (created_at, id) order. The updater deliberately reprocesses the entire
// history on every message: the model sees everything the state claims to
// summarize, which keeps the cumulative rules checkable.
func BuildUserPrompt(state models.ThreadState, msgs []models.Message) (string, error) {
	currentState, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal current state: %w", err)
	}

	var b strings.Builder
	b.WriteString("CURRENT CUMULATIVE STATE:\n")
	b.Write(currentState)
	b.WriteString("\n\nFULL CONVERSATION (oldest first):\n")

	for i, msg := range msgs {
		sender := string(msg.SenderType)
		if msg.SenderName != "" {
			sender = fmt.Sprintf("%s (%s)", msg.SenderType, msg.SenderName)
		}
		note := ""
		if msg.Visibility == models.VisibilityInternal {
			note = " [internal note]"
		}
		fmt.Fprintf(&b, "[%d] %s at %s%s:\n%s\n\n",
			i+1, sender, msg.CreatedAt.UTC().Format(time.RFC3339), note, msg.Text)
	}

	b.WriteString("Produce the next cumulative state now.")
	return b.String(), nil
}

// ValidateState is the validator paired with the schema above: it
// normalizes enum and confidence drift, then enforces the invariants a
// normalize cannot repair.
func ValidateState(state *models.ThreadState) error {
	state.Normalize()
	return state.Validate()
}
