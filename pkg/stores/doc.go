// Package stores persists run history and the host inventory in SQLite.
//
// The schema is embedded and applied with golang-migrate. Runs, host attempts
// and timeline events are written through RunRecorder, which plugs into the
// engine as an event publisher; the hosts table backs the inventory discovery
// source.
package stores
