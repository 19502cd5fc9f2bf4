// Package service describes the external systems the agent can act on.
//
// Invariants:
// - Service keys are lower-case and never contain '_' (the tool-name separator).
// - Descriptors are never deleted automatically.
package service
