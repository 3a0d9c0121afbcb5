// Package enginetest provides an in-memory [engine.Engine] for tests.
//
// The fake evaluates containers against a map-backed filesystem and
// simulates the package-manager commands the pipeline runs (install, run
// script, version, pack, publish). Evaluations are memoized by content, the
// same way the Dagger engine caches identical layers, so every distinct
// command is recorded once. Each recorded exec carries its lineage: the
// commands that produced the files it ran against.
package enginetest
