package storage

import "errors"

// Storage error constants
var (
	// ErrFindingNotFound is returned when a finding is not found
	ErrFindingNotFound = errors.New("finding not found")

	// ErrIncidentNotFound is returned when an incident is not found
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrIncidentExists is returned when creating an incident whose ID is already stored
	ErrIncidentExists = errors.New("incident already exists")

	// ErrInvalidTransition is returned when an incident status change is not allowed
	ErrInvalidTransition = errors.New("invalid incident status transition")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
