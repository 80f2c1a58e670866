package remote

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"fitsync/internal/apperr"
)

// classify maps driver errors onto apperr codes so retry and breaker
// decisions do not depend on which database is on the other end.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || apperr.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Timeout, op, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return apperr.Wrap(apperr.Network, op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return apperr.Wrap(mysqlCode(myErr.Number), op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperr.Wrap(postgresCode(pgErr.Code), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperr.Wrap(apperr.Timeout, op, err)
		}
		return apperr.Wrap(apperr.Network, op, err)
	}
	if pgconn.Timeout(err) {
		return apperr.Wrap(apperr.Timeout, op, err)
	}
	if apperr.Retryable(err) {
		return apperr.Wrap(apperr.Temporary, op, err)
	}
	return apperr.Wrap(apperr.Internal, op, err)
}

func mysqlCode(number uint16) apperr.Code {
	switch number {
	case 1062, 1451, 1452, 1048, 1216, 1217, 3819:
		return apperr.Constraint
	case 1045, 1044:
		return apperr.Unauthorized
	case 1142, 1143, 1227:
		return apperr.PermissionDenied
	case 1205, 1213, 1040, 1203:
		return apperr.Temporary
	case 1146, 1054:
		return apperr.InvalidData
	case 1264, 1265, 1292, 1366, 1406:
		return apperr.InvalidData
	}
	return apperr.Internal
}

func postgresCode(code string) apperr.Code {
	switch {
	case strings.HasPrefix(code, "23"):
		return apperr.Constraint
	case code == "42501":
		return apperr.PermissionDenied
	case strings.HasPrefix(code, "28"):
		return apperr.Unauthorized
	case strings.HasPrefix(code, "08"):
		return apperr.Network
	case code == "40001", code == "40P01", code == "55P03", code == "53300", code == "57P03":
		return apperr.Temporary
	case code == "57014":
		return apperr.Timeout
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "42"):
		return apperr.InvalidData
	}
	return apperr.Internal
}

// rowFatal reports whether a per-row error means the connection itself is
// unusable, in which case the rest of the batch is not attempted.
func rowFatal(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.Network, apperr.Timeout, apperr.Unauthorized, apperr.CircuitOpen:
		return true
	}
	return errors.Is(err, context.Canceled)
}
