// Package phase models the five lifecycle phases a provisioner can define
// (validation, creation, deletion, staging, unstaging) as a small tagged
// variant plus a shared capability set; new phases are added by extending
// the variant, not by subtyping.
package phase

import "time"

// Kind names one of the five pod-template-backed lifecycle phases.
type Kind string

const (
	Validation Kind = "validation"
	Creation   Kind = "creation"
	Deletion   Kind = "deletion"
	Staging    Kind = "staging"
	Unstaging  Kind = "unstaging"
)

// ContextKind names the shape of evaluation context a phase renders its
// template against.
type ContextKind string

const (
	ContextValidationDynamic ContextKind = "validation-dynamic"
	ContextValidationStatic  ContextKind = "validation-static"
	ContextCreationDeletion  ContextKind = "creation-deletion"
	ContextStagingUnstaging  ContextKind = "staging-unstaging"
)

// Descriptor is the capability set shared by every phase: what context
// shape it renders under, what rollback phase (if any) undoes it, and its
// default timeout.
type Descriptor struct {
	Kind           Kind
	ContextKind    ContextKind
	RollbackPhase  Kind
	HasRollback    bool
	DefaultTimeout time.Duration
	// LongRunning means the phase's worker may legitimately outlive the
	// call that launched it (only Staging).
	LongRunning bool
}

// DefaultPhaseTimeout is the default pod lifetime bound for validation,
// creation, deletion and unstaging.
const DefaultPhaseTimeout = 10 * time.Minute

// Descriptors is indexed by Kind and is the single source of truth for
// phase capabilities. It is a plain map, not a global registry with
// side-effecting registration, so it stays safe for concurrent read access
// once initialized.
var Descriptors = map[Kind]Descriptor{
	Validation: {
		Kind:           Validation,
		ContextKind:    ContextValidationDynamic,
		DefaultTimeout: DefaultPhaseTimeout,
	},
	Creation: {
		Kind:           Creation,
		ContextKind:    ContextCreationDeletion,
		RollbackPhase:  Deletion,
		HasRollback:    true,
		DefaultTimeout: DefaultPhaseTimeout,
	},
	Deletion: {
		Kind:           Deletion,
		ContextKind:    ContextCreationDeletion,
		DefaultTimeout: DefaultPhaseTimeout,
	},
	Staging: {
		Kind:           Staging,
		ContextKind:    ContextStagingUnstaging,
		RollbackPhase:  Unstaging,
		HasRollback:    true,
		LongRunning:    true,
		DefaultTimeout: 0, // unbounded-live allowed after "ready"
	},
	Unstaging: {
		Kind:           Unstaging,
		ContextKind:    ContextStagingUnstaging,
		DefaultTimeout: DefaultPhaseTimeout,
	},
}
