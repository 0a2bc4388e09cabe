// Package logger provides slog attribute helpers with consistent keys for
// the identifiers that recur across the engine: recipients, event IDs,
// stream IDs, attempt counts. Using the helpers instead of ad-hoc
// slog.String calls keeps log output queryable.
package logger
