// Package discovery supplies the management addresses (host:port) of the
// event nodes a fleet poll should visit.
package discovery

import (
    "context"
    "errors"
)

var ErrNoTargets = errors.New("discovery: no targets")

// Source returns the current set of management addresses, sorted and
// de-duplicated.
type Source interface {
    Targets(ctx context.Context) ([]string, error)
}
