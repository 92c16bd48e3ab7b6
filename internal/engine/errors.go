package engine

import (
	"github.com/tphakala/opustap/internal/errors"
)

// Component identifier for engine errors
const ComponentEngine = "engine"

// Error categories specific to the engine
var (
	// ErrAllocation is returned when ring buffer storage cannot be sized
	ErrAllocation = errors.New(nil).
			Component(ComponentEngine).
			Category(errors.CategoryResource).
			Context("error", "ring buffer allocation failed").
			Build()

	// ErrOutOfBounds is returned when a store exceeds the buffer capacity
	ErrOutOfBounds = errors.New(nil).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("error", "frame count exceeds buffer capacity").
			Build()

	// ErrStaleData is returned when fetched frames have already been overwritten
	ErrStaleData = errors.New(nil).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("error", "requested frames already overwritten").
			Build()

	// ErrUnderrun is returned when fetched frames have not yet been produced
	ErrUnderrun = errors.New(nil).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("error", "requested frames not yet produced").
			Build()

	// ErrSessionRunning is returned when starting an already started session
	ErrSessionRunning = errors.New(nil).
				Component(ComponentEngine).
				Category(errors.CategoryState).
				Context("error", "session already running").
				Build()

	// ErrSessionStopped is returned when stopping a session that is not running
	ErrSessionStopped = errors.New(nil).
				Component(ComponentEngine).
				Category(errors.CategoryState).
				Context("error", "session not running").
				Build()
)
