package capsule

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/capsule/internal/ir"
)

// classify converts driver errors into the shared taxonomy.
// Errors that are already *ir.Error pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var irErr *ir.Error
	if errors.As(err, &irErr) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return ir.WrapError(ir.KindConstraint, op, err)
		case sqlite3.ErrReadonly:
			return &ir.Error{Kind: ir.KindValidation, Op: op, Message: "statement is not read-only", Err: err}
		case sqlite3.ErrError:
			// Syntax errors and unknown tables/columns in caller SQL.
			return ir.WrapError(ir.KindValidation, op, err)
		}
	}
	return err
}

func validationf(op, format string, args ...any) error {
	return ir.NewError(ir.KindValidation, op, format, args...)
}
