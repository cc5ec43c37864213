// Package stream turns a run's events into what a client receives: either
// one chunk per event, written as it happens, or a single aggregate once the
// run is over. Both read the same event channel, so they cannot disagree on
// the final output.
package stream
