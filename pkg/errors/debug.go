package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Postgres SQLSTATEs the settlement paths run into.
var pgConditions = map[string]string{
	"23505": "unique_violation",
	"23514": "check_violation",
	"23503": "foreign_key_violation",
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
	"57014": "query_canceled",
}

// ErrorDump flattens an error chain into loggable fields.
type ErrorDump struct {
	TopMessage string
	Code       Code
	Retryable  bool
	Chain      []string

	PGCode       string
	PGCondition  string
	PGConstraint string
	PGTable      string
	PGDetail     string
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{
		TopMessage: err.Error(),
		Retryable:  IsRetryable(err),
	}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode, d.PGConstraint, d.PGTable, d.PGDetail = pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName, pgxErr.Detail
	case errors.As(err, &pqErr):
		d.PGCode, d.PGConstraint, d.PGTable, d.PGDetail = string(pqErr.Code), pqErr.Constraint, pqErr.Table, pqErr.Detail
	}
	if d.PGCode != "" {
		d.PGCondition = pgConditions[d.PGCode]
	}
	return d
}

// Fields returns the non-empty parts of the dump for structured logging.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{"error": d.TopMessage, "retryable": d.Retryable}
	if d.Code != "" {
		fields["error_code"] = string(d.Code)
	}
	if len(d.Chain) > 1 {
		fields["error_chain"] = d.Chain
	}
	for key, value := range map[string]string{
		"pg_code":       d.PGCode,
		"pg_condition":  d.PGCondition,
		"pg_constraint": d.PGConstraint,
		"pg_table":      d.PGTable,
		"pg_detail":     d.PGDetail,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}
