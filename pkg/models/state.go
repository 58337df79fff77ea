package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// Signals carries soft classification signals extracted from the conversation.
type Signals struct {
	Sentiment   string `json:"sentiment,omitempty"`
	Urgency     string `json:"urgency,omitempty"`
	ImpactGuess string `json:"impactGuess,omitempty"`
}

// WorkItemCandidate is a potential downstream work item derived from the thread.
type WorkItemCandidate struct {
	Type       string  `json:"type"`
	ShortTitle string  `json:"shortTitle"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Recommendation is the updater's proposed action for the thread.
type Recommendation struct {
	Action     RecommendationAction `json:"action"`
	Reason     string               `json:"reason"`
	Confidence float64              `json:"confidence"`
}

// DuplicateHint flags a possible duplicate of an existing work item.
type DuplicateHint struct {
	PossibleDuplicate bool   `json:"possibleDuplicate"`
	MatchedWorkItemID int64  `json:"matchedWorkItemId,omitempty"`
	MatchedTicketURL  string `json:"matchedTicketUrl,omitempty"`
}

// ThreadState is the cumulative machine-readable understanding of a thread.
// It is produced by the state updater from the full conversation history and
// embedded on the thread row as JSONB. Fields use empty values for absence;
// the document never contains JSON null.
type ThreadState struct {
	Summary            string              `json:"summary"`
	UserGoal           string              `json:"userGoal,omitempty"`
	Intent             Intent              `json:"intent"`
	KnownEnvironment   map[string]string   `json:"knownEnvironment,omitempty"`
	ReproSteps         []string            `json:"reproSteps,omitempty"`
	ExpectedBehavior   string              `json:"expectedBehavior,omitempty"`
	ActualBehavior     string              `json:"actualBehavior,omitempty"`
	OpenQuestions      []string            `json:"openQuestions,omitempty"`
	ResolvedQuestions  []string            `json:"resolvedQuestions,omitempty"`
	Signals            Signals             `json:"signals,omitempty"`
	WorkItemCandidates []WorkItemCandidate `json:"workItemCandidates,omitempty"`
	Recommendation     Recommendation      `json:"recommendation"`
	DuplicateHint      DuplicateHint       `json:"duplicateHint,omitempty"`
}

// NewThreadState returns the empty initial state for a fresh thread.
func NewThreadState() ThreadState {
	return ThreadState{
		Intent:         IntentOther,
		Recommendation: Recommendation{Action: ActionNoTicket},
	}
}

// Normalize coerces out-of-range or unknown values onto the valid domain:
// unknown actions default to NoTicket, unknown intents to Other, and
// confidences clamp to [0,1]. Called on every state produced by the LLM
// before validation and persistence.
func (s *ThreadState) Normalize() {
	if !s.Intent.Valid() {
		s.Intent = IntentOther
	}
	if !s.Recommendation.Action.Valid() {
		s.Recommendation.Action = ActionNoTicket
	}
	s.Recommendation.Confidence = clamp01(s.Recommendation.Confidence)
	for i := range s.WorkItemCandidates {
		s.WorkItemCandidates[i].Confidence = clamp01(s.WorkItemCandidates[i].Confidence)
	}
}

// Validate enforces the state invariants that Normalize cannot repair.
func (s *ThreadState) Validate() error {
	switch s.Recommendation.Action {
	case ActionCreateBugWorkItem, ActionCreateFeatureWorkItem:
		if len(s.WorkItemCandidates) == 0 {
			return fmt.Errorf("recommendation %s requires at least one work item candidate",
				s.Recommendation.Action)
		}
	}
	return nil
}

// CarryOver enforces cumulative monotonicity against the previous state:
// repro steps, known-environment keys, and resolved questions present before
// must survive into the new state. The updater prompt instructs the model to
// carry them; this is the in-code backstop so a forgetful completion can
// never silently drop established facts.
func (s *ThreadState) CarryOver(prev ThreadState) {
	for _, step := range prev.ReproSteps {
		if !slices.Contains(s.ReproSteps, step) {
			s.ReproSteps = append(s.ReproSteps, step)
		}
	}
	for key, val := range prev.KnownEnvironment {
		if _, ok := s.KnownEnvironment[key]; !ok {
			if s.KnownEnvironment == nil {
				s.KnownEnvironment = make(map[string]string, len(prev.KnownEnvironment))
			}
			s.KnownEnvironment[key] = val
		}
	}
	for _, q := range prev.ResolvedQuestions {
		if !slices.Contains(s.ResolvedQuestions, q) {
			s.ResolvedQuestions = append(s.ResolvedQuestions, q)
		}
	}
}

// TopCandidate returns the highest-confidence work item candidate,
// or false when there are none.
func (s *ThreadState) TopCandidate() (WorkItemCandidate, bool) {
	if len(s.WorkItemCandidates) == 0 {
		return WorkItemCandidate{}, false
	}
	top := s.WorkItemCandidates[0]
	for _, c := range s.WorkItemCandidates[1:] {
		if c.Confidence > top.Confidence {
			top = c
		}
	}
	return top, true
}

// Fingerprint returns a stable hex digest of the state content, used to
// deduplicate work-item emissions: two byte-identical states fingerprint
// identically. Map keys marshal in sorted order, so the digest is
// deterministic.
func (s *ThreadState) Fingerprint() string {
	raw, err := json.Marshal(s)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the signature simple.
		panic(fmt.Sprintf("marshal thread state: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Value implements driver.Valuer so the state persists as JSONB.
func (s ThreadState) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for reading the JSONB column.
func (s *ThreadState) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = NewThreadState()
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into ThreadState", src)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
