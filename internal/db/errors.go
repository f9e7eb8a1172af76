package db

import "errors"

// Sentinel errors for database operations.
var (
	ErrKeyNotFound   = errors.New("db: key not found")
	ErrKeyExists     = errors.New("db: key already exists")
	ErrIndexNotFound = errors.New("db: index not found")
	ErrIndexExists   = errors.New("db: index already exists")
	ErrLockHeld      = errors.New("db: lock held by another owner")
)

// Op constants name the failing operation for error context. Redis drivers
// use command names, SQL drivers use statement kinds.
const (
	OpPing           = "PING"
	OpCreateIndex    = "FT.CREATE"
	OpDropIndex      = "FT.DROPINDEX"
	OpIndexInfo      = "FT.INFO"
	OpSearch         = "FT.SEARCH"
	OpDel            = "DEL"
	OpJSONSet        = "JSON.SET"
	OpJSONGet        = "JSON.GET"
	OpSet            = "SET"
	OpEval           = "EVAL"
	OpSelect         = "SELECT"
	OpInsert         = "INSERT"
	OpUpsert         = "UPSERT"
	OpDelete         = "DELETE"
	OpMigrate        = "MIGRATE"
	OpSQLCreateIndex = "CREATE INDEX"
	OpSQLDropIndex   = "DROP INDEX"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
