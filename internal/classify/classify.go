// Package classify maps handler errors to job error classifications.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leejennwah/pipeline-engine/internal/job"
)

// ErrCancelled reports that a handler stopped because cancellation was
// requested for its job.
var ErrCancelled = errors.New("job cancelled")

// Classifier decides how a failed attempt is handled.
type Classifier interface {
	Classify(err error) job.Classification
}

type classified struct {
	class job.Classification
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error { return mark(job.ClassRetryable, err) }

// Fatal marks err as a permanent failure.
func Fatal(err error) error { return mark(job.ClassFatal, err) }

// Poison marks err as caused by input that can never be processed.
func Poison(err error) error { return mark(job.ClassPoison, err) }

// Fatalf formats a fatal error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

func mark(class job.Classification, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// Default is the built-in classifier. Explicit marks win, malformed JSON
// input is poison and Postgres errors follow their SQLSTATE class.
// Anything else, including timeouts and network errors, is retried.
type Default struct{}

var _ Classifier = Default{}

func (Default) Classify(err error) job.Classification {
	if err == nil {
		return job.ClassNone
	}

	var marked *classified
	if errors.As(err, &marked) {
		return marked.class
	}
	if errors.Is(err, ErrCancelled) {
		return job.ClassCancelled
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return job.ClassPoison
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr.Code)
	}

	return job.ClassRetryable
}

// classifyPostgres fails data and integrity errors permanently. Connection,
// serialization and resource errors are retried.
func classifyPostgres(code string) job.Classification {
	if strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23") {
		return job.ClassFatal
	}
	return job.ClassRetryable
}
