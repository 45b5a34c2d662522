package llm

// DefaultFixtures returns the canned prompt/response pairs used when the
// configured API key is MockAPIKeySentinel. They let the intent compiler run
// end to end without a network call: one fixture for the fail-fast gate
// assessment, one for schema-constrained extraction, and one for the
// formatter's render prompt.
//
// Matching is substring-based (see NewFixtureClient): a prompt naming the
// gate's "## GATE ASSESSMENT" section gets the gate fixture; one naming
// extraction's "## TASK TYPE" section gets the extraction fixture; one
// naming the formatter's "## RENDER" section gets the formatter fixture.
func DefaultFixtures() []Fixture {
	return []Fixture{
		{
			WhenPromptContains: "## GATE ASSESSMENT",
			Response:           gateFixtureResponse,
		},
		{
			WhenPromptContains: "## TASK TYPE",
			Response:           intentFixtureResponse,
		},
		{
			WhenPromptContains: "## RENDER",
			Response:           formatterFixtureResponse,
		},
	}
}

// DefaultFixtureResponse is returned when no fixture's WhenPromptContains
// substring matches. It is a well-formed but low-confidence gate assessment
// so the clarification gate engages rather than the caller crashing on
// malformed JSON.
const DefaultFixtureResponse = `{
  "confidence": 0.4,
  "missing_pieces": [
    {"field": "systems", "description": "Which two systems should be compared?", "importance": "required"}
  ],
  "partial_intent": {"task_type": "RCA"}
}`

const gateFixtureResponse = `{
  "confidence": 0.92,
  "missing_pieces": [],
  "partial_intent": {
    "task_type": "RCA",
    "target_metrics": ["total_outstanding"],
    "systems": ["system_a", "system_b"]
  }
}`

const intentFixtureResponse = `{
  "task_type": "RCA",
  "target_metrics": ["total_outstanding"],
  "entities": ["loan"],
  "constraints": [],
  "grain": ["loan_id"],
  "time_scope": {"as_of_date": "2026-07-30"},
  "systems": ["system_a", "system_b"],
  "validation_constraint": null
}`

const formatterFixtureResponse = `{
  "display_format": "narrative",
  "display_content": "Total outstanding diverges by 3.2% between system_a and system_b as of 2026-07-30, concentrated in loans opened in the last quarter.",
  "key_grain_units": ["loan_id"],
  "reasoning": "Largest contributors were late-quarter originations pending sync."
}`
