// Package romp is a distributed-object RPC runtime: client-side proxies
// stand in for objects that live in a server process, and method calls,
// return values, exceptions, and iterator yields cross a framed binary
// protocol.
//
// The subpackages do the real work (protocol, session, endpoint, value,
// objregistry, server, client); this package is a thin convenience layer
// over the two entry points most callers need.
package romp

import (
	"fmt"

	"github.com/cout/romp/client"
	"github.com/cout/romp/discovery"
	"github.com/cout/romp/endpoint"
	"github.com/cout/romp/loadbalance"
	"github.com/cout/romp/server"
)

// Serve is shorthand for server.New(opts...).Serve(e). It blocks until the
// server stops or the listener fails.
func Serve(uri string, opts ...server.Option) error {
	e, err := endpoint.Parse(uri)
	if err != nil {
		return err
	}
	return server.New(opts...).Serve(e)
}

// Dial parses uri and connects a client.Client to it.
func Dial(uri string, opts ...client.Option) (*client.Client, error) {
	e, err := endpoint.Parse(uri)
	if err != nil {
		return nil, err
	}
	return client.Dial(e, opts...)
}

// DialName resolves name to a concrete endpoint through dir, picks among
// the discovered instances with balancer, and dials the winner. A server
// advertises itself into dir with server.WithDirectory; DialName is how a
// caller that only knows the logical name turns that into a live
// client.Client, without ever hard-coding an endpoint.Endpoint.
func DialName(dir discovery.Directory, name string, balancer loadbalance.Balancer, opts ...client.Option) (*client.Client, error) {
	instances, err := dir.Discover(name)
	if err != nil {
		return nil, fmt.Errorf("romp: discover %q: %w", name, err)
	}
	inst, err := balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("romp: pick instance for %q: %w", name, err)
	}
	e, err := endpoint.Parse(inst.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("romp: parse discovered endpoint %q: %w", inst.Endpoint, err)
	}
	return client.Dial(e, opts...)
}
