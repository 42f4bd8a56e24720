package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddPrerequisiteRejectsCycle(t *testing.T) {
	km := NewKnowledgeMap()
	require.True(t, km.AddPrerequisite("b", "a"))
	require.False(t, km.AddPrerequisite("a", "b"))
	require.False(t, km.HasCycle())
}

func TestHasCycleDetectsIndirectCycle(t *testing.T) {
	km := NewKnowledgeMap()
	km.Prerequisites["a"] = []string{"b"}
	km.Prerequisites["b"] = []string{"c"}
	km.Prerequisites["c"] = []string{"a"}
	require.True(t, km.HasCycle())
}

func TestAppendEvidenceCapsAtEvidenceCap(t *testing.T) {
	lvl := MasteryLevel{Concept: "fractions"}
	for i := 0; i < EvidenceCap+5; i++ {
		lvl.AppendEvidence(Evidence{Timestamp: time.Now(), Description: "obs"})
	}
	require.Len(t, lvl.Evidence, EvidenceCap)
}

func TestAppendContextCapsAtContextHistoryCap(t *testing.T) {
	var s LearningState
	for i := 0; i < ContextHistoryCap+5; i++ {
		s.AppendContext(ContextEntry{Timestamp: time.Now()})
	}
	require.Len(t, s.ContextHistory, ContextHistoryCap)
}

func TestCloneProducesIndependentCopy(t *testing.T) {
	s := LearningState{
		StudentID: "s1",
		KnowledgeMap: KnowledgeMap{
			Concepts:      map[string]MasteryLevel{"a": {Concept: "a"}},
			Gaps:          map[string]struct{}{"a": {}},
			Prerequisites: map[string][]string{"a": {"b"}},
		},
	}
	clone := s.Clone()
	clone.KnowledgeMap.Concepts["a"] = MasteryLevel{Concept: "a", Level: MasteryMastered}
	clone.KnowledgeMap.Prerequisites["a"][0] = "changed"

	require.Empty(t, s.KnowledgeMap.Concepts["a"].Level)
	require.Equal(t, "b", s.KnowledgeMap.Prerequisites["a"][0])
}

func TestClonePreservesOptionalPointerValues(t *testing.T) {
	difficulty := 0.5
	s := LearningState{CurrentDifficulty: &difficulty}
	clone := s.Clone()
	require.NotSame(t, s.CurrentDifficulty, clone.CurrentDifficulty)
	require.InDelta(t, difficulty, *clone.CurrentDifficulty, 1e-9)
}
