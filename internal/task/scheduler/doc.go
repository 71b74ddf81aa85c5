// Package scheduler ties the task store, admission controller and executor
// together.
//
// Loop is an explicit state machine:
//
//	idle -> admitting -> spawning -> awaiting -> recording -> idle
//
// A deny verdict returns to idle without touching the store. Only one task is
// ever in flight; RunNow shares the same single slot and the store refuses a
// second running task across processes.
//
// Maintenance is a small cron wrapper for housekeeping jobs.
package scheduler
