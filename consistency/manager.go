// Package consistency implements the Consistency Manager: schema and
// invariant validation for a proposed LearningState, conflict detection and
// resolution between competing agent recommendations, checksummed
// backup/restore, and corruption detection/repair.
//
// Schema validation is grounded on the teacher's
// validatePayloadJSONAgainstSchema (registry/service.go): unmarshal the
// schema once into a santhosh-tekuri/jsonschema/v6 compiler, compile it at
// construction time, and validate the candidate document's generic
// any-typed form on every call.
package consistency

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/events"
	"github.com/adaptivetutor/tutorcore/eventbus"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/rterrors"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// ConflictStrategy selects how ResolveConflicts picks a winning value.
type ConflictStrategy string

const (
	// StrategyLatest picks whichever side has the later timestamp.
	StrategyLatest ConflictStrategy = "latest"
	// StrategyMerge averages numeric values weighted by confidence and
	// falls back to StrategyLatest for non-numeric values.
	StrategyMerge ConflictStrategy = "merge"
	// StrategyManual defers every conflict to a human collaborator.
	StrategyManual ConflictStrategy = "manual"
)

// NumericConflictEpsilon is the minimum absolute difference between two
// numeric proposals for the same field before they are treated as a real
// conflict rather than floating-point or rounding noise. Non-numeric values
// have no natural distance metric, so they conflict on any inequality —
// this resolves the spec's open question on a non-numeric threshold by
// making "threshold" a numeric-only concept and using strict inequality
// everywhere else.
const NumericConflictEpsilon = 0.01

// Config bundles the Consistency Manager's tunables.
type Config struct {
	MaxBackupsPerStudent int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxBackupsPerStudent: model.MaxBackupsDefault}
}

// Manager is the Consistency Manager.
type Manager struct {
	cfg    Config
	tel    telemetry.Set
	bus    *eventbus.Bus
	schema *jsonschema.Schema

	mu      sync.Mutex
	backups map[string][]model.Backup
}

// New compiles the embedded LearningState schema and returns a ready
// Manager.
func New(cfg Config, bus *eventbus.Bus, tel telemetry.Set) (*Manager, error) {
	var schemaDoc any
	if err := json.Unmarshal([]byte(learningStateSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal learning state schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("learning-state.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add learning state schema resource: %w", err)
	}
	schema, err := c.Compile("learning-state.json")
	if err != nil {
		return nil, fmt.Errorf("compile learning state schema: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		tel:     tel,
		bus:     bus,
		schema:  schema,
		backups: make(map[string][]model.Backup),
	}, nil
}

// ValidateLearningState checks state against the JSON Schema and the
// structural invariants a schema cannot express (prerequisite acyclicity,
// bounded history lengths). The first violation found is returned as a
// *rterrors.ValidationError; a ValidationFailed event is published on bus
// when one is found.
func (m *Manager) ValidateLearningState(state model.LearningState) error {
	if err := m.validateSchema(state); err != nil {
		m.publishValidationFailed(state.StudentID, err)
		return err
	}
	if err := m.validateInvariants(state); err != nil {
		m.publishValidationFailed(state.StudentID, err)
		return err
	}
	return nil
}

func (m *Manager) validateSchema(state model.LearningState) error {
	b, err := model.Canonicalize(state)
	if err != nil {
		return &rterrors.ValidationError{Field: "*", Reason: "encode: " + err.Error()}
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return &rterrors.ValidationError{Field: "*", Reason: "decode: " + err.Error()}
	}
	if err := m.schema.Validate(doc); err != nil {
		return &rterrors.ValidationError{Field: "*", Reason: err.Error()}
	}
	return nil
}

func (m *Manager) validateInvariants(state model.LearningState) error {
	if state.StudentID == "" {
		return &rterrors.ValidationError{Field: "StudentID", Reason: "must not be empty"}
	}
	if state.KnowledgeMap.HasCycle() {
		return &rterrors.ValidationError{Field: "KnowledgeMap.Prerequisites", Reason: "prerequisite graph contains a cycle"}
	}
	for _, concept := range sortedConceptNames(state.KnowledgeMap.Concepts) {
		ml := state.KnowledgeMap.Concepts[concept]
		if !ml.Level.Valid() {
			return &rterrors.ValidationError{Field: fmt.Sprintf("KnowledgeMap.Concepts[%s].Level", concept), Reason: "not a recognized mastery level"}
		}
		if len(ml.Evidence) > model.EvidenceCap {
			return &rterrors.ValidationError{Field: fmt.Sprintf("KnowledgeMap.Concepts[%s].Evidence", concept), Reason: "exceeds evidence cap"}
		}
	}
	if len(state.ContextHistory) > model.ContextHistoryCap {
		return &rterrors.ValidationError{Field: "ContextHistory", Reason: "exceeds context history cap"}
	}
	if len(state.Engagement.History) > model.EngagementHistoryCap {
		return &rterrors.ValidationError{Field: "Engagement.History", Reason: "exceeds engagement history cap"}
	}
	return nil
}

// ratioViolation names one LearningState field holding a ratio outside
// [0,1], per spec.md §4.4's "every numeric ratio in [0,1]" invariant.
type ratioViolation struct {
	field string
	value float64
}

// ratioViolations walks every field spec.md documents as a [0,1] ratio
// (mastery confidence, engagement metrics) and reports each one currently
// out of range, in a deterministic (sorted) order.
func ratioViolations(state model.LearningState) []ratioViolation {
	var out []ratioViolation
	check := func(field string, v float64) {
		if v < 0 || v > 1 {
			out = append(out, ratioViolation{field: field, value: v})
		}
	}
	check("Engagement.CurrentLevel", state.Engagement.CurrentLevel)
	check("Engagement.AttentionSpan", state.Engagement.AttentionSpan)
	check("Engagement.FrustrationLevel", state.Engagement.FrustrationLevel)
	check("Engagement.MotivationLevel", state.Engagement.MotivationLevel)
	for _, concept := range sortedConceptNames(state.KnowledgeMap.Concepts) {
		check(fmt.Sprintf("KnowledgeMap.Concepts[%s].Confidence", concept), state.KnowledgeMap.Concepts[concept].Confidence)
	}
	return out
}

func sortedConceptNames(concepts map[string]model.MasteryLevel) []string {
	names := make([]string, 0, len(concepts))
	for c := range concepts {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) publishValidationFailed(studentID string, cause error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(m.bus.Create(events.ValidationFailed, model.AgentOrchestrator, map[string]any{
		"studentId": studentID,
		"reason":    cause.Error(),
	}, model.PriorityHigh))
}

// DetectConflicts groups recommendations by TargetField and reports a
// Conflict for every proposal that disagrees with the first proposal seen
// for that field beyond NumericConflictEpsilon (numeric values) or at all
// (non-numeric values).
func (m *Manager) DetectConflicts(recommendations []model.Recommendation) []model.Conflict {
	byField := make(map[string][]model.Recommendation)
	var order []string
	for _, r := range recommendations {
		if r.TargetField == "" {
			continue
		}
		if _, ok := byField[r.TargetField]; !ok {
			order = append(order, r.TargetField)
		}
		byField[r.TargetField] = append(byField[r.TargetField], r)
	}

	var conflicts []model.Conflict
	for _, field := range order {
		recs := byField[field]
		if len(recs) < 2 {
			continue
		}
		baseline := recs[0]
		for _, other := range recs[1:] {
			if !valuesConflict(baseline.Data, other.Data) {
				continue
			}
			conflicts = append(conflicts, model.Conflict{
				FieldPath: field,
				Current:   recToSide(baseline),
				Proposed:  recToSide(other),
			})
		}
	}
	return conflicts
}

func recToSide(r model.Recommendation) model.ConflictSide {
	return model.ConflictSide{Source: r.Source, Value: r.Data, Timestamp: time.Now(), Confidence: r.Confidence}
}

func valuesConflict(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return math.Abs(af-bf) > NumericConflictEpsilon
	}
	return fmt.Sprintf("%v", a) != fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ResolveConflicts applies strategy to each conflict, returning the
// resolved recommendations (one per conflict settled) and the conflicts
// left for manual resolution. Under StrategyManual every conflict is left
// unresolved and a ConflictManual event is published for each.
func (m *Manager) ResolveConflicts(conflicts []model.Conflict, strategy ConflictStrategy) ([]model.Recommendation, []model.Conflict) {
	var resolved []model.Recommendation
	var manual []model.Conflict

	for _, c := range conflicts {
		switch strategy {
		case StrategyManual:
			manual = append(manual, c)
			m.publishConflictManual(c)
		case StrategyMerge:
			if rec, ok := m.mergeConflict(c); ok {
				resolved = append(resolved, rec)
				continue
			}
			resolved = append(resolved, latestSide(c))
		default: // StrategyLatest
			resolved = append(resolved, latestSide(c))
		}
	}
	return resolved, manual
}

// mergeConflict averages numeric proposals weighted by confidence; the
// weighting favors the side whose agent expressed more confidence in its
// proposal rather than splitting the difference evenly.
func (m *Manager) mergeConflict(c model.Conflict) (model.Recommendation, bool) {
	af, aok := toFloat(c.Current.Value)
	bf, bok := toFloat(c.Proposed.Value)
	if !aok || !bok {
		return model.Recommendation{}, false
	}
	totalConfidence := c.Current.Confidence + c.Proposed.Confidence
	var merged float64
	if totalConfidence <= 0 {
		merged = (af + bf) / 2
	} else {
		merged = (af*c.Current.Confidence + bf*c.Proposed.Confidence) / totalConfidence
	}
	return model.Recommendation{
		ID:          uuid.NewString(),
		Kind:        model.RecommendationAction,
		TargetField: c.FieldPath,
		Data:        merged,
		Source:      c.Proposed.Source,
		Reasoning:   "merged conflicting proposals by confidence-weighted average",
	}, true
}

func latestSide(c model.Conflict) model.Recommendation {
	side := c.Current
	if c.Proposed.Timestamp.After(c.Current.Timestamp) {
		side = c.Proposed
	}
	return model.Recommendation{
		ID:          uuid.NewString(),
		Kind:        model.RecommendationAction,
		TargetField: c.FieldPath,
		Data:        side.Value,
		Source:      side.Source,
		Confidence:  side.Confidence,
		Reasoning:   "resolved by latest timestamp",
	}
}

func (m *Manager) publishConflictManual(c model.Conflict) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(m.bus.Create(events.ConflictManual, model.AgentOrchestrator, c, model.PriorityMedium))
}

// CreateBackup snapshots state, checksums it, and stores it under
// state.StudentID, evicting the oldest backup once the per-student count
// exceeds cfg.MaxBackupsPerStudent.
func (m *Manager) CreateBackup(state model.LearningState) (model.Backup, error) {
	backup, err := model.NewBackup(uuid.NewString(), state.StudentID, state, clock.Real.Now())
	if err != nil {
		return model.Backup{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.backups[state.StudentID], backup)
	if len(list) > m.cfg.MaxBackupsPerStudent {
		list = list[len(list)-m.cfg.MaxBackupsPerStudent:]
	}
	m.backups[state.StudentID] = list
	return backup, nil
}

// ListBackups returns the stored backups for studentID, oldest first.
func (m *Manager) ListBackups(studentID string) []model.Backup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Backup, len(m.backups[studentID]))
	copy(out, m.backups[studentID])
	return out
}

// RestoreFromBackup returns a verified copy of the named backup's state. If
// the checksum no longer matches the stored state, it publishes
// CorruptionDetected and returns a *rterrors.CorruptionError instead of the
// (possibly tampered) state.
func (m *Manager) RestoreFromBackup(studentID, backupID string) (model.LearningState, error) {
	m.mu.Lock()
	var found *model.Backup
	for i, b := range m.backups[studentID] {
		if b.ID == backupID {
			found = &m.backups[studentID][i]
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return model.LearningState{}, &rterrors.CorruptionError{StudentID: studentID, Reports: []string{"backup not found: " + backupID}}
	}
	ok, err := found.Verify()
	if err != nil {
		return model.LearningState{}, err
	}
	if !ok {
		reports := []string{"checksum mismatch on backup " + backupID}
		if m.bus != nil {
			m.bus.Publish(m.bus.Create(events.CorruptionDetected, model.AgentOrchestrator, map[string]any{
				"studentId": studentID,
				"reports":   reports,
			}, model.PriorityUrgent))
		}
		return model.LearningState{}, &rterrors.CorruptionError{StudentID: studentID, Reports: reports}
	}
	return found.State.Clone(), nil
}

// latestVerifiedBackup returns the most recent backup for studentID whose
// checksum still verifies, or nil if none do.
func (m *Manager) latestVerifiedBackup(studentID string) *model.Backup {
	m.mu.Lock()
	list := append([]model.Backup(nil), m.backups[studentID]...)
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	for i := range list {
		if ok, err := list[i].Verify(); err == nil && ok {
			return &list[i]
		}
	}
	return nil
}

// DetectCorruption reports the first structural invariant violation, every
// out-of-range ratio, and a LastUpdated in the future found in state. An
// empty slice means state is clean.
func (m *Manager) DetectCorruption(state model.LearningState) []string {
	var reports []string
	if err := m.validateInvariants(state); err != nil {
		reports = append(reports, err.Error())
	}
	for _, rv := range ratioViolations(state) {
		reports = append(reports, fmt.Sprintf("%s ratio out of range [0,1]: %v", rv.field, rv.value))
	}
	if state.LastUpdated.After(clock.Real.Now()) {
		reports = append(reports, "LastUpdated is in the future")
	}
	return reports
}

// RepairState attempts to auto-repair the corruption DetectCorruption would
// report for state. studentID is the trusted identity under which state is
// stored — passed separately because state.StudentID itself may be the
// corrupted field, in which case it is restored from studentID rather than
// used to look up backups. Structural defects (cycle, oversized history,
// unrecognized mastery level, blanked StudentID) are trimmed or restored in
// place; if repair still cannot produce a valid state, the most recent
// verified backup for studentID is restored instead. If no verified backup
// exists either, it returns a *rterrors.CorruptionError and publishes
// CorruptionDetected.
func (m *Manager) RepairState(studentID string, state model.LearningState) (model.LearningState, error) {
	repaired := state.Clone()
	if repaired.StudentID == "" {
		repaired.StudentID = studentID
	}
	repaired.ContextHistory = trimTail(repaired.ContextHistory, model.ContextHistoryCap)
	repaired.Engagement.History = trimTail(repaired.Engagement.History, model.EngagementHistoryCap)
	repaired.Engagement.CurrentLevel = clampRatio(repaired.Engagement.CurrentLevel)
	repaired.Engagement.AttentionSpan = clampRatio(repaired.Engagement.AttentionSpan)
	repaired.Engagement.FrustrationLevel = clampRatio(repaired.Engagement.FrustrationLevel)
	repaired.Engagement.MotivationLevel = clampRatio(repaired.Engagement.MotivationLevel)
	for concept, ml := range repaired.KnowledgeMap.Concepts {
		ml.Evidence = trimTail(ml.Evidence, model.EvidenceCap)
		ml.Confidence = clampRatio(ml.Confidence)
		if !ml.Level.Valid() {
			ml.Level = model.MasteryUnknown
		}
		repaired.KnowledgeMap.Concepts[concept] = ml
	}
	// Break one cycle-closing edge at a time rather than discarding the whole
	// prerequisite graph; bounded by edge count so a pathological graph can't
	// loop forever.
	for edges := 0; repaired.KnowledgeMap.HasCycle() && edges < maxPrerequisiteEdges(repaired.KnowledgeMap); edges++ {
		if !repaired.KnowledgeMap.BreakCycle() {
			break
		}
	}

	if err := m.ValidateLearningState(repaired); err == nil {
		return repaired, nil
	}

	if backup := m.latestVerifiedBackup(studentID); backup != nil {
		return backup.State.Clone(), nil
	}

	report := m.DetectCorruption(state)
	if m.bus != nil {
		m.bus.Publish(m.bus.Create(events.CorruptionDetected, model.AgentOrchestrator, map[string]any{
			"studentId": studentID,
			"reports":   report,
		}, model.PriorityUrgent))
	}
	return model.LearningState{}, &rterrors.CorruptionError{StudentID: studentID, Reports: report}
}

func trimTail[T any](s []T, cap int) []T {
	if len(s) <= cap {
		return s
	}
	return s[len(s)-cap:]
}

// clampRatio restores a [0,1] ratio field to its nearest valid bound.
func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// maxPrerequisiteEdges bounds cycle-breaking iterations at the graph's
// total edge count, since each BreakCycle call removes exactly one edge.
func maxPrerequisiteEdges(km model.KnowledgeMap) int {
	n := 0
	for _, edges := range km.Prerequisites {
		n += len(edges)
	}
	return n
}
