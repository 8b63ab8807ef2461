// Package txn runs MongoDB multi-document transactions.
//
// Commission crediting requires a record insert and a balance increment to
// commit together, so unlike a best-effort helper Run never degrades to
// non-transactional execution. A deployment without transaction support
// (standalone mongod) gets ErrNotSupported and nothing is written.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

// ErrNotSupported is returned when the server cannot run transactions.
var ErrNotSupported = errors.New("mongo transactions not supported (replica set required)")

// MongoDB error codes that indicate transactions are unavailable.
const (
	codeIllegalOperation                   = 20
	codeNoSuchTransaction                  = 51
	codeOperationNotSupportedInTransaction = 263
)

// codeWriteConflict is raised when two transactions touch the same document.
const codeWriteConflict = 112

// Run executes fn inside a transaction on db's client. fn may be invoked more
// than once when the driver retries a transient failure, so it must not keep
// state between invocations.
func Run(ctx context.Context, db *mongo.Database, log *zap.Logger, fn func(ctx context.Context) error) error {
	sess, err := db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, opts)
	if err != nil && IsNotSupported(err) {
		log.Error("transaction not supported by deployment", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	return err
}

// IsNotSupported reports whether err says the deployment cannot run
// transactions. Known command codes are checked first; otherwise the message
// must mention at least two of the telltale phrases.
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch ce.Code {
		case codeIllegalOperation, codeNoSuchTransaction, codeOperationNotSupportedInTransaction:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	hits := 0
	for _, kw := range []string{"transaction", "replica set", "session", "not supported", "illegal operation"} {
		if strings.Contains(msg, kw) {
			hits++
		}
	}
	return hits >= 2
}

// IsConflict reports whether err is a write conflict or another error the
// server labels as safe to retry as a whole transaction.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorCode(codeWriteConflict) ||
			se.HasErrorLabel("TransientTransactionError") ||
			se.HasErrorLabel("UnknownTransactionCommitResult")
	}
	return false
}
