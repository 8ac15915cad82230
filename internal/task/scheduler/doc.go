// Package scheduler triggers named jobs on cron or interval schedules.
//
// A run that is still in flight when its next trigger fires is skipped, and
// every run is bounded by its own timeout.
package scheduler
