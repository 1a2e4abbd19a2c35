package storage

import (
	"context"
	"errors"
	"net"

	"tandem/cmd/internal/domain"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classify maps a backend failure to the domain error taxonomy.
//
// Connectivity loss, throttling and server-side faults become domain.ErrUnavailable so
// callers can retry. Context cancellation is returned unchanged. Anything else is wrapped
// with op but keeps its identity.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var opErr domain.OpError
	if errors.As(err, &opErr) {
		return err
	}
	if IsTransient(err) {
		return domain.Unavailable(op, err)
	}
	return domain.OpError{Op: op, Kind: errUnexpected, Err: err}
}

var errUnexpected = errors.New("storage failure")

// IsTransient reports whether err is a retryable backend condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// serialization_failure, deadlock_detected, too_many_connections, admin/crash shutdown, cannot_connect_now
		case "40001", "40P01", "53300", "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		conflict   *types.TransactionConflictException
	)
	if errors.As(err, &throughput) || errors.As(err, &limit) || errors.As(err, &internal) || errors.As(err, &conflict) {
		return true
	}
	// Unmodeled AWS errors, e.g. ThrottlingException, arrive as generic API errors.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "RequestTimeout":
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
