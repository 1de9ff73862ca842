// Package stores provides the SQLite persistence layer for HealLoop.
// It records sandbox sessions, their verification metadata, detected
// pain signals, triggered heal requests, execution attempts and the
// audit events published through telemetry.
package stores
