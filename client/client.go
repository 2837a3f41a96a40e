// Package client implements the proxy half of the protocol: Dial connects
// to a server, Resolve exchanges a logical name for a Proxy, and Proxy
// forwards arbitrary method invocations over the resulting session.
package client

import (
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/cout/romp/endpoint"
	"github.com/cout/romp/protocol"
	"github.com/cout/romp/session"
	"github.com/cout/romp/value"
)

// Option configures a Client at Dial time.
type Option func(*config)

type config struct {
	codec        value.Codec
	synchronized bool
}

// WithCodec overrides the default msgpack value codec. Must match the
// server's codec.
func WithCodec(c value.Codec) Option { return func(cfg *config) { cfg.codec = c } }

// WithSynchronized controls whether the session mutex is a real sync.Mutex
// (default, safe for concurrent callers) or a no-op (unsafe, ~20% faster
// per spec.md §4.6).
func WithSynchronized(v bool) Option { return func(cfg *config) { cfg.synchronized = v } }

// Client owns one connected session and hands out proxies bound to it.
type Client struct {
	sess  *session.Session
	mu    sync.Locker
	codec value.Codec
}

// Dial connects to e and returns a Client ready to Resolve names or mint
// proxies for known object ids.
func Dial(e endpoint.Endpoint, opts ...Option) (*Client, error) {
	conn, err := endpoint.Connect(e)
	if err != nil {
		return nil, err
	}
	return newClient(conn, opts...), nil
}

func newClient(conn net.Conn, opts ...Option) *Client {
	cfg := config{codec: value.MsgpackCodec{}, synchronized: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	var mu sync.Locker
	if cfg.synchronized {
		mu = &sync.Mutex{}
	} else {
		mu = noMutex{}
	}
	return &Client{sess: session.New(conn), mu: mu, codec: cfg.codec}
}

// Close closes the underlying session.
func (c *Client) Close() error { return c.sess.Close() }

// Proxy binds a proxy to a known object id, e.g. one obtained out of band
// from server.CreateReference, or unwrapped from an earlier RETVAL.
func (c *Client) Proxy(objectID uint16) *Proxy {
	return &Proxy{sess: c.sess, mu: c.mu, codec: c.codec, objectID: objectID}
}

// Resolve asks the server's id-0 resolver object to look up name and
// returns a proxy bound to the id it answers with.
func (c *Client) Resolve(name string) (*Proxy, error) {
	resolver := c.Proxy(protocol.ResolverID)
	v, err := resolver.Call("resolve", name)
	if err != nil {
		return nil, err
	}
	id, ok := toObjectID(v)
	if !ok {
		return nil, fmt.Errorf("client: resolve(%q) returned %T, want an object id", name, v)
	}
	return c.Proxy(id), nil
}

// toObjectID normalizes any decoded integer kind into a uint16, since the
// exact concrete type a generic msgpack decode produces depends on the
// encoded value's magnitude.
func toObjectID(v interface{}) (uint16, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint16(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uint16(rv.Uint()), true
	default:
		return 0, false
	}
}
