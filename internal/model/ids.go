package model

import "github.com/google/uuid"

// NewTraceID mints a fresh trace identifier for an event originating at an
// ingress point (operator submission, scheduler tick, webhook). It is
// preserved on every event derived from the one that carries it.
func NewTraceID() uuid.UUID { return uuid.New() }

// NewEventID mints a fresh, never-reused event identifier.
func NewEventID() uuid.UUID { return uuid.New() }

// NewExecutionID mints a fresh execution identifier.
func NewExecutionID() uuid.UUID { return uuid.New() }
