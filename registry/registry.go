// Package registry keeps the shared table of region controller endpoints.
//
// Every region controller writes one row per address it can be reached on:
//
//	name      the event-loop (process) name, e.g. "regiond-1:pid=1234"
//	address   an IP address of the host
//	port      the port its RPC listener is bound to
//	updated   when the row was last written, by the database clock
//
// There is no separate coordination service: liveness is a lease. Owners
// rewrite their rows every advertising cycle, and any controller deletes rows
// that have not been rewritten within the staleness window.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Table is the name of the registry table.
const Table = "eventloops"

var (
	// ErrConflict marks a write that lost a uniqueness race, usually another
	// controller claiming the same (address, port). The next cycle retries.
	ErrConflict = errors.New("registry: conflicting advertisement")

	// ErrInvalidEndpoint marks an advertisement rejected before reaching the database.
	ErrInvalidEndpoint = errors.New("registry: invalid endpoint")
)

// Endpoint is one (address, port) pair a controller is reachable on.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) validate() error {
	if net.ParseIP(e.Address) == nil {
		return fmt.Errorf("%w: address %q is not an IP address", ErrInvalidEndpoint, e.Address)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// Row is one advertised endpoint of a named controller.
type Row struct {
	Name    string
	Address string
	Port    int
}

// Endpoint returns the row's (address, port) pair.
func (r Row) Endpoint() Endpoint {
	return Endpoint{Address: r.Address, Port: r.Port}
}

// Registry is the set of operations controllers perform on the shared table.
// Each operation runs in its own transaction.
type Registry interface {
	// EnsureSchema creates the table and its name index if they are missing.
	EnsureSchema(ctx context.Context) error
	// ReplaceAdvertisements deletes every row for name, then inserts one row
	// per endpoint. An empty endpoint set leaves name with no rows.
	ReplaceAdvertisements(ctx context.Context, name string, endpoints []Endpoint) error
	// RemoveAdvertisements deletes every row for name.
	RemoveAdvertisements(ctx context.Context, name string) error
	// CollectStale deletes every row, whoever owns it, not updated within ttl.
	CollectStale(ctx context.Context, ttl time.Duration) (int64, error)
	// ListAll returns every row.
	ListAll(ctx context.Context) ([]Row, error)
}

// Group collects rows by controller name.
func Group(rows []Row) map[string][]Endpoint {
	out := make(map[string][]Endpoint)
	for _, r := range rows {
		out[r.Name] = append(out[r.Name], r.Endpoint())
	}
	return out
}
