package consistency

// learningStateSchema is the JSON Schema used to structurally validate a
// LearningState's canonical JSON encoding before it is accepted into
// storage. It complements (does not replace) the Go-level checks in
// manager.go — the schema catches shape/type/enum violations that could
// arise from a malformed agent recommendation merge; the Go checks enforce
// invariants a JSON Schema cannot express (prerequisite acyclicity, bounded
// history lengths).
const learningStateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["StudentID", "SessionID", "KnowledgeMap", "Engagement"],
  "properties": {
    "StudentID": {"type": "string", "minLength": 1},
    "SessionID": {"type": "string", "minLength": 1},
    "CurrentObjectives": {"type": ["array", "null"], "items": {"type": "string"}},
    "KnowledgeMap": {
      "type": "object",
      "properties": {
        "Concepts": {
          "type": ["object", "null"],
          "additionalProperties": {
            "type": "object",
            "required": ["Level"],
            "properties": {
              "Level": {
                "type": "string",
                "enum": ["unknown", "introduced", "developing", "proficient", "mastered"]
              },
              "Confidence": {"type": "number", "minimum": 0, "maximum": 1}
            }
          }
        }
      }
    },
    "Engagement": {
      "type": "object",
      "properties": {
        "CurrentLevel": {"type": "number", "minimum": 0, "maximum": 1},
        "AttentionSpan": {"type": "number", "minimum": 0, "maximum": 1},
        "FrustrationLevel": {"type": "number", "minimum": 0, "maximum": 1},
        "MotivationLevel": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`
