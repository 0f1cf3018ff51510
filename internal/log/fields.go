package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldCallerFP  = "caller_fp"
	FieldMemoryID  = "memory_id"
	FieldHolderID  = "holder_id"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldErrorID   = "error_id"

	// Query fields
	FieldMode      = "mode"
	FieldEventKind = "event_kind"
	FieldTurns     = "turns"
)
