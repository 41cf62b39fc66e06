// Package discovery advertises the gateway's socket under a service name
// and resolves names back to host:port.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Resolve when no live record exists.
	ErrNotFound = errors.New("discovery: service not found")
	// ErrInvalidName is returned for names that cannot form a topic.
	ErrInvalidName = errors.New("discovery: invalid service name")
)

// Advertiser publishes where a named service can be reached.
type Advertiser interface {
	Advertise(ctx context.Context, name string, port int) error
	Withdraw(ctx context.Context, name string) error
}

// Resolver finds the host:port of a named service.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/+#") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Static keeps records in memory. It serves single-host setups and
// clients that are given an address directly.
type Static struct {
	host string

	mu      sync.RWMutex
	records map[string]string
}

// NewStatic returns a Static that advertises services on host.
func NewStatic(host string) *Static {
	return &Static{host: host, records: make(map[string]string)}
}

// Set records addr for name.
func (s *Static) Set(name, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = addr
}

func (s *Static) Advertise(_ context.Context, name string, port int) error {
	if err := validName(name); err != nil {
		return err
	}
	s.Set(name, net.JoinHostPort(s.host, strconv.Itoa(port)))
	return nil
}

func (s *Static) Withdraw(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

func (s *Static) Resolve(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.records[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return addr, nil
}

var (
	_ Advertiser = (*Static)(nil)
	_ Resolver   = (*Static)(nil)
)
