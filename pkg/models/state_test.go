package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaultsUnknownAction(t *testing.T) {
	s := ThreadState{
		Intent:         Intent("Nonsense"),
		Recommendation: Recommendation{Action: "MakeCoffee", Confidence: 1.7},
	}
	s.Normalize()

	assert.Equal(t, IntentOther, s.Intent)
	assert.Equal(t, ActionNoTicket, s.Recommendation.Action)
	assert.Equal(t, 1.0, s.Recommendation.Confidence)
}

func TestNormalizeClampsCandidateConfidence(t *testing.T) {
	s := ThreadState{
		Intent:         IntentBug,
		Recommendation: Recommendation{Action: ActionNoTicket},
		WorkItemCandidates: []WorkItemCandidate{
			{Type: "Bug", Confidence: -0.3},
			{Type: "Feature", Confidence: 2.0},
		},
	}
	s.Normalize()

	assert.Equal(t, 0.0, s.WorkItemCandidates[0].Confidence)
	assert.Equal(t, 1.0, s.WorkItemCandidates[1].Confidence)
}

func TestValidateRejectsCreateWithoutCandidates(t *testing.T) {
	s := ThreadState{
		Intent:         IntentBug,
		Recommendation: Recommendation{Action: ActionCreateBugWorkItem, Confidence: 0.9},
	}
	require.Error(t, s.Validate())

	s.WorkItemCandidates = []WorkItemCandidate{{Type: "Bug", ShortTitle: "crash"}}
	require.NoError(t, s.Validate())
}

func TestCarryOverPreservesPriorFacts(t *testing.T) {
	prev := ThreadState{
		ReproSteps:        []string{"open login page", "click save twice"},
		KnownEnvironment:  map[string]string{"browser": "Firefox 120", "os": "Ubuntu"},
		ResolvedQuestions: []string{"which browser?"},
	}
	next := ThreadState{
		ReproSteps:       []string{"open login page"},
		KnownEnvironment: map[string]string{"browser": "Firefox 121"},
	}

	next.CarryOver(prev)

	assert.Contains(t, next.ReproSteps, "click save twice")
	// Refined values win; missing keys are restored.
	assert.Equal(t, "Firefox 121", next.KnownEnvironment["browser"])
	assert.Equal(t, "Ubuntu", next.KnownEnvironment["os"])
	assert.Contains(t, next.ResolvedQuestions, "which browser?")
}

func TestCarryOverIntoEmptyState(t *testing.T) {
	prev := ThreadState{
		KnownEnvironment: map[string]string{"device": "iPhone 15"},
		ReproSteps:       []string{"tap login"},
	}
	next := ThreadState{}
	next.CarryOver(prev)

	assert.Equal(t, []string{"tap login"}, next.ReproSteps)
	assert.Equal(t, "iPhone 15", next.KnownEnvironment["device"])
}

func TestTopCandidate(t *testing.T) {
	s := ThreadState{}
	_, ok := s.TopCandidate()
	assert.False(t, ok)

	s.WorkItemCandidates = []WorkItemCandidate{
		{ShortTitle: "a", Confidence: 0.4},
		{ShortTitle: "b", Confidence: 0.9},
		{ShortTitle: "c", Confidence: 0.6},
	}
	top, ok := s.TopCandidate()
	require.True(t, ok)
	assert.Equal(t, "b", top.ShortTitle)
}

func TestFingerprintIsStableAndContentSensitive(t *testing.T) {
	a := ThreadState{
		Summary:          "login crash",
		Intent:           IntentBug,
		KnownEnvironment: map[string]string{"os": "iOS 17", "device": "iPhone"},
		Recommendation:   Recommendation{Action: ActionCreateBugWorkItem, Confidence: 0.8},
	}
	b := ThreadState{
		Summary:          "login crash",
		Intent:           IntentBug,
		KnownEnvironment: map[string]string{"device": "iPhone", "os": "iOS 17"},
		Recommendation:   Recommendation{Action: ActionCreateBugWorkItem, Confidence: 0.8},
	}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "map key order must not change the digest")

	b.Summary = "checkout crash"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestThreadStateScanRoundTrip(t *testing.T) {
	orig := ThreadState{
		Summary:        "x",
		Intent:         IntentFeature,
		ReproSteps:     []string{"one"},
		Recommendation: Recommendation{Action: ActionAskQuestions, Reason: "too vague", Confidence: 0.5},
	}
	val, err := orig.Value()
	require.NoError(t, err)

	var scanned ThreadState
	require.NoError(t, scanned.Scan(val))
	assert.Equal(t, orig, scanned)
}

func TestThreadStateNeverMarshalsNull(t *testing.T) {
	raw, err := json.Marshal(NewThreadState())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "null")
}

func TestCoerceWorkItemType(t *testing.T) {
	assert.Equal(t, WorkItemFeature, CoerceWorkItemType("Feature"))
	assert.Equal(t, WorkItemDocs, CoerceWorkItemType("Docs"))
	assert.Equal(t, WorkItemBug, CoerceWorkItemType("Epic"))
	assert.Equal(t, WorkItemBug, CoerceWorkItemType(""))
}

func TestNewPublicID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewPublicID()
		require.Len(t, id, PublicIDLength)
		assert.False(t, seen[id], "public ids must not repeat")
		seen[id] = true
	}
}
