package sqlcompiler

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and
// alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection detects SQL
	// injection patterns in a compiled query's literal values.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventParameterValidation is logged when parameter validation fails.
	EventParameterValidation SecurityEventType = "parameter_validation_failure"
	// EventQueryExecution is logged each time Compile emits a validated
	// query; this package does not run the SQL.
	EventQueryExecution SecurityEventType = "query_execution"
	// EventParameterizedAudit is logged for a compiled query's filter
	// predicate re-expressed through the named-parameter path, alongside
	// the literal SQL, so a SIEM consumer can replay the predicate without
	// re-deriving it from inline literals.
	EventParameterizedAudit SecurityEventType = "parameterized_query_audit"
)

// SecurityEvent is an auditable security event for SIEM ingestion. Unlike
// a web service's SecurityEvent, this carries RequestID (this engine's
// batch unit of work) instead of a web session's UserID/ClientIP/ProjectID
// — those fields have no meaning for an offline/batch reconciliation
// engine.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	RequestID string            `json:"request_id,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails contains specifics of a detected SQL injection
// attempt.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"`
	QueryName   string `json:"query_name"`
}

// ParameterizedQueryDetails carries a compiled predicate's named-parameter
// form: the {{name}}-templated predicate, its $N-substituted positional
// equivalent, and how many distinct parameters it bound.
type ParameterizedQueryDetails struct {
	Template      string `json:"template"`
	PositionalSQL string `json:"positional_sql"`
	ParamCount    int    `json:"param_count"`
}

// SecurityAuditor logs security events for SIEM consumption, kept as a
// dedicated zap namespace.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a SecurityAuditor under the "security_audit"
// logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a detected SQL injection attempt, at ERROR
// level with "critical" severity for immediate alerting.
func (a *SecurityAuditor) LogInjectionAttempt(requestID string, details SQLInjectionDetails) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSQLInjectionAttempt,
		RequestID: requestID,
		Details:   details,
		Severity:  "critical",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", requestID),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogParameterValidation records a parameter validation failure, at WARN
// level since these are typically user/LLM errors, not attacks.
func (a *SecurityAuditor) LogParameterValidation(requestID, errorMessage string) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventParameterValidation,
		RequestID: requestID,
		Details:   map[string]string{"error": errorMessage},
		Severity:  "warning",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Parameter validation failed",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", requestID),
		zap.String("error", errorMessage),
		zap.String("severity", "warning"),
	)
}

// LogParameterizedQuery records a compiled predicate's named-parameter
// form, at INFO level, for SIEM replay alongside the literal query audit.
func (a *SecurityAuditor) LogParameterizedQuery(requestID string, details ParameterizedQueryDetails) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventParameterizedAudit,
		RequestID: requestID,
		Details:   details,
		Severity:  "info",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Query parameterized for audit",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", requestID),
		zap.Int("param_count", details.ParamCount),
		zap.String("severity", "info"),
	)
}

// LogQueryExecution records that Compile emitted a validated query; the
// SQL itself is not run here.
func (a *SecurityAuditor) LogQueryExecution(requestID, queryName string) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventQueryExecution,
		RequestID: requestID,
		Details:   map[string]string{"query_name": queryName},
		Severity:  "info",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Query executed",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", requestID),
		zap.String("query_name", queryName),
		zap.String("severity", "info"),
	)
}
