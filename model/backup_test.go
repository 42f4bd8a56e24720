package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBackupVerifiesSuccessfully(t *testing.T) {
	state := LearningState{StudentID: "s1", SessionID: "sess1", LastUpdated: time.Now()}
	backup, err := NewBackup("b1", "s1", state, time.Now())
	require.NoError(t, err)

	ok, err := backup.Verify()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBackupVerifyDetectsTampering(t *testing.T) {
	state := LearningState{StudentID: "s1", SessionID: "sess1", LastUpdated: time.Now()}
	backup, err := NewBackup("b1", "s1", state, time.Now())
	require.NoError(t, err)

	backup.State.SessionID = "tampered"
	ok, err := backup.Verify()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewBackupDeepCopiesState(t *testing.T) {
	state := LearningState{
		StudentID:    "s1",
		KnowledgeMap: KnowledgeMap{Concepts: map[string]MasteryLevel{"a": {Concept: "a"}}},
	}
	backup, err := NewBackup("b1", "s1", state, time.Now())
	require.NoError(t, err)

	state.KnowledgeMap.Concepts["a"] = MasteryLevel{Concept: "a", Level: MasteryMastered}
	require.Empty(t, backup.State.KnowledgeMap.Concepts["a"].Level)
}
