// Package provider implements the external context provider adapter. An
// Adapter resolves free-text retrieval directives emitted by a Nucleus into
// typed artifacts by routing each directive to the first matching tool
// binding and storing the normalized results in the caller's scope.
package provider
