package db

import (
	"gorm.io/gorm"
)

// Dialect identifiers supported by the database layer.
const (
	// DialectPostgres is the PostgreSQL dialect name.
	DialectPostgres = "postgres"
	// DialectSQLite is the SQLite dialect name.
	DialectSQLite = "sqlite"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// DurationSecondsExpr returns a SQL expression for the seconds between two timestamp columns.
func DurationSecondsExpr(conn *gorm.DB, startColumn, endColumn string) string {
	if IsSQLite(conn) {
		return "(julianday(" + endColumn + ") - julianday(" + startColumn + ")) * 86400.0"
	}
	return "EXTRACT(EPOCH FROM (" + endColumn + " - " + startColumn + "))"
}
