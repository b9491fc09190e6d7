package db

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"foodbridge/core/internal/errs"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// RetryPredicate decides whether a failed attempt should be retried.
type RetryPredicate func(err error) bool

const DefaultMaxRetries = 2

// Try executes a read with default retry settings for transient store errors.
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, errs.IsTransient)
}

// WithRetries executes op, retrying up to maxRetries times while shouldRetry
// accepts the error. Terminal errors are returned immediately.
func WithRetries(op Operation, maxRetries int, shouldRetry RetryPredicate) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == maxRetries || errs.IsTerminal(err) || !shouldRetry(err) {
			break
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond) // Simple incremental backoff
	}
	return err
}

// IsMongoDuplicateKeyError checks if an error from MongoDB is a duplicate key error (code 11000).
func IsMongoDuplicateKeyError(err error) bool {
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, writeError := range bwe.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 11000 {
		return true
	}
	return false
}
