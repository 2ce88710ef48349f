// Package util holds small internal helpers shared across packages: canonical
// JSON hashing, JSON normalization, parameter schema validation and prompt
// template rendering. Nothing here is part of the public API.
package util
