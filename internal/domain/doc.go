// Package domain holds the event vocabulary, shared value types, and the
// interfaces through which the realtime core talks to the rest of the
// platform (identity resolution, user preferences, event publishing).
// It has no dependencies on transport or storage packages.
package domain
