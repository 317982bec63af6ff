package sqlxrepos

import (
	"database/sql"
	"database/sql/driver"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// transientCodes are the postgres error codes worth retrying.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled
	"57P01": true, // admin_shutdown
}

// wrapErr wraps err with msg and marks connection & concurrency failures transient.
func wrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)
	if isTransient(err) {
		return core.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	switch errors.Cause(err) {
	case driver.ErrBadConn, sql.ErrConnDone:
		return true
	}
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		class := pqErr.Code.Class()
		// connection_exception & insufficient_resources
		return class == "08" || class == "53" || transientCodes[pqErr.Code]
	}
	return false
}

// finish commits tx when err is nil, rolls it back otherwise.
func finish(tx core.DBTransactor, err error) error {
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return wrapErr(tx.Commit(), "committing transaction")
}

func orderBy(ordering []core.DBOrdering, columns map[string]string) []string {
	clauses := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		col, ok := columns[ord.Field]
		if !ok {
			continue
		}
		ord.Field = col
		clauses = append(clauses, ord.String())
	}
	return clauses
}
