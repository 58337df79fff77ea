package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snirego/feedbackd/pkg/llm"
	"github.com/snirego/feedbackd/pkg/models"
)

func newTestUpdater(threads *fakeThreads, messages *fakeMessages, audit *fakeAudit, completer StateCompleter) *Updater {
	return NewUpdater(threads, messages, audit, completer, nil)
}

func TestUpdateFullContextPersistsNewState(t *testing.T) {
	audit := &fakeAudit{}
	th := newTestThread(1, models.ThreadStatusOpen)
	threads := newFakeThreads(audit, th)
	messages := newFakeMessages()
	messages.add(1, models.SenderUser, "Login button crashes the app on iOS 17")

	next := models.ThreadState{
		Summary: "login crash on iOS 17",
		Intent:  models.IntentBug,
		Recommendation: models.Recommendation{
			Action: models.ActionCreateBugWorkItem, Reason: "clear report", Confidence: 0.85,
		},
		WorkItemCandidates: []models.WorkItemCandidate{
			{Type: "Bug", ShortTitle: "Login crash on iOS 17", Confidence: 0.85},
		},
	}
	completer := &fakeCompleter{states: []models.ThreadState{next}}

	result, err := newTestUpdater(threads, messages, audit, completer).UpdateFullContext(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, models.IntentBug, result.State.Intent)

	stored := threads.get(1)
	assert.Equal(t, "login crash on iOS 17", stored.State.Summary)
	assert.Equal(t, []string{models.AuditThreadStateUpdated}, audit.actions())
}

func TestUpdateFullContextCarriesOverFacts(t *testing.T) {
	audit := &fakeAudit{}
	th := newTestThread(1, models.ThreadStatusOpen)
	th.State.ReproSteps = []string{"open settings", "toggle sync"}
	th.State.KnownEnvironment = map[string]string{"browser": "Firefox 120", "os": "Ubuntu"}
	threads := newFakeThreads(audit, th)
	messages := newFakeMessages()
	messages.add(1, models.SenderUser, "Also I can reproduce by clicking Save twice")

	// The model "forgets" the environment and one repro step.
	next := models.ThreadState{
		Summary:    "sync bug",
		Intent:     models.IntentBug,
		ReproSteps: []string{"open settings", "click save twice"},
		Recommendation: models.Recommendation{
			Action: models.ActionAskQuestions, Reason: "needs version", Confidence: 0.6,
		},
	}
	completer := &fakeCompleter{states: []models.ThreadState{next}}

	result, err := newTestUpdater(threads, messages, audit, completer).UpdateFullContext(context.Background(), 1)
	require.NoError(t, err)

	assert.Contains(t, result.State.ReproSteps, "toggle sync")
	assert.Contains(t, result.State.ReproSteps, "click save twice")
	assert.Equal(t, "Firefox 120", result.State.KnownEnvironment["browser"])
	assert.Equal(t, "Ubuntu", result.State.KnownEnvironment["os"])
}

func TestUpdateFullContextMalformedKeepsPreviousState(t *testing.T) {
	audit := &fakeAudit{}
	th := newTestThread(1, models.ThreadStatusOpen)
	th.State.Summary = "previous truth"
	threads := newFakeThreads(audit, th)
	messages := newFakeMessages()
	messages.add(1, models.SenderUser, "hello?")

	completer := &fakeCompleter{err: &llm.MalformedError{
		Reason: "parse and repair exhausted", RawContent: "not json at all",
	}}

	result, err := newTestUpdater(threads, messages, audit, completer).UpdateFullContext(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Equal(t, "previous truth", result.State.Summary)

	assert.Equal(t, []string{models.AuditThreadStateUpdateFailed}, audit.actions())
	assert.Equal(t, "previous truth", threads.get(1).State.Summary, "state must not change")
}

func TestUpdateFullContextUnavailablePropagates(t *testing.T) {
	audit := &fakeAudit{}
	th := newTestThread(1, models.ThreadStatusOpen)
	threads := newFakeThreads(audit, th)
	messages := newFakeMessages()
	messages.add(1, models.SenderUser, "anyone there?")

	completer := &fakeCompleter{err: &llm.UnavailableError{Reason: "circuit open"}}

	_, err := newTestUpdater(threads, messages, audit, completer).UpdateFullContext(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	assert.Empty(t, audit.actions(), "nothing persists on transport failure")
}

func TestUpdateFullContextNoMessagesIsNoop(t *testing.T) {
	audit := &fakeAudit{}
	th := newTestThread(1, models.ThreadStatusOpen)
	threads := newFakeThreads(audit, th)
	completer := &fakeCompleter{}

	result, err := newTestUpdater(threads, newFakeMessages(), audit, completer).UpdateFullContext(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Zero(t, completer.calls, "no LLM call without messages")
}
