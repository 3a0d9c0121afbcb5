// Package syncs provides synchronization primitives for pipeline runs.
package syncs
