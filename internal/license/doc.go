// Package license abstracts license validity checks behind a single
// interface so the gate never cares where validity comes from.
package license
