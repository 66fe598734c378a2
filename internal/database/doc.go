// Package database wraps a GORM connection with pool tuning, a background
// health check, and retrying transactions, used by the event logger and
// the admin tables it shares a connection with.
package database
