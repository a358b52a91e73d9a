// Package task runs long operations on behalf of a single session.
//
// Each session owns one Registry. Started work runs in its own goroutine
// with a cancellable context and reports progress through a Monitor; all
// task state mutation flows through one consumer goroutine, so status
// updates apply in order and publish task events as they land.
//
// Status reads are atomic snapshots. Passing removeOnFinish deletes a
// finished task in the same step, so exactly one caller observes the final
// result. Closing the registry (when its session closes) cancels everything
// still running.
package task
