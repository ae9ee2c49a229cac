package pgfast

import "fmt"

// ErrKind classifies the flat error union used for the failures pgfast
// detects itself. Errors from creating or reading the tracking table,
// from file-system access while walking directories, reading artifacts
// or writing stubs, and from the fixture loader are returned as plain
// wrapped errors, not as *Error.
type ErrKind int

const (
	// ErrKindConfiguration means the URL or pool sizes are invalid.
	// Raised at construction, recoverable only by reconfiguration.
	ErrKindConfiguration ErrKind = iota
	// ErrKindConnection means the driver refused or lost a connection.
	ErrKindConnection
	// ErrKindSchema means a migrations directory does not exist or is not
	// a directory. An empty directory is not an error.
	ErrKindSchema
	// ErrKindMigration means a migration's SQL or host-language body
	// failed; wraps the underlying driver error as Cause.
	ErrKindMigration
	// ErrKindDependency means an unknown dependency or a cycle was
	// detected before any DDL ran.
	ErrKindDependency
	// ErrKindChecksum means a stored checksum no longer matches file
	// content; blocks apply unless force is set.
	ErrKindChecksum
	// ErrKindTestDatabase means clone creation, template flagging, or
	// drop failed.
	ErrKindTestDatabase
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindConfiguration:
		return "Configuration"
	case ErrKindConnection:
		return "Connection"
	case ErrKindSchema:
		return "Schema"
	case ErrKindMigration:
		return "Migration"
	case ErrKindDependency:
		return "Dependency"
	case ErrKindChecksum:
		return "Checksum"
	case ErrKindTestDatabase:
		return "TestDatabase"
	default:
		return "Unknown"
	}
}

// Error is the root of pgfast's error taxonomy. Every error kind in the
// system is this same type tagged with a Kind; callers that care about a
// specific kind should use errors.As and inspect Kind.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying driver error, if any, so errors.Is and
// errors.As can walk the driver-error cause chain.
func (e *Error) Unwrap() error { return e.Cause }

func newConfigurationError(msg string) *Error {
	return &Error{Kind: ErrKindConfiguration, Message: msg}
}

func newConnectionError(msg string, cause error) *Error {
	return &Error{Kind: ErrKindConnection, Message: msg, Cause: cause}
}

func newSchemaError(msg string) *Error {
	return &Error{Kind: ErrKindSchema, Message: msg}
}

func newMigrationError(msg string, cause error) *Error {
	return &Error{Kind: ErrKindMigration, Message: msg, Cause: cause}
}

func newDependencyError(msg string) *Error {
	return &Error{Kind: ErrKindDependency, Message: msg}
}

func newChecksumError(msg string) *Error {
	return &Error{Kind: ErrKindChecksum, Message: msg}
}

func newTestDatabaseError(msg string, cause error) *Error {
	return &Error{Kind: ErrKindTestDatabase, Message: msg, Cause: cause}
}
