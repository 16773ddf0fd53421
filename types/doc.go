// Package types defines the shared domain vocabulary of GraphFlow: run
// statuses and stream modes, and the structured error type used across the
// API surface and internal packages.
package types
