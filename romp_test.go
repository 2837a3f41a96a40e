package romp

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cout/romp/client"
	"github.com/cout/romp/discovery"
	"github.com/cout/romp/endpoint"
	"github.com/cout/romp/loadbalance"
	"github.com/cout/romp/server"
	"github.com/cout/romp/value"
)

// Foo mirrors the fixture spec.md's scenarios S1-S6 are written against. It
// holds a reference to the server it's registered on so Bar can call
// CreateReference explicitly, per spec.md §4.5 ("the application explicitly
// calls create_reference").
type Foo struct {
	srv *server.Server
	i   int64
}

func (f *Foo) Foo(x int64) int64 { f.i = x; return x }
func (f *Foo) I() int64          { return f.i }

func (f *Foo) Each(yield server.YieldFunc) error {
	for _, v := range []int64{1, 2, 3} {
		if err := yield(v); err != nil {
			return err
		}
	}
	return nil
}

func (f *Foo) ThrowException() error {
	return f.throwException2()
}

func (f *Foo) throwException2() error {
	return value.NewException("RuntimeError", "boom")
}

type Bar struct{ i int64 }

func (b *Bar) I() int64 { return b.i }

func (f *Foo) Bar() (value.ObjectReference, error) {
	return f.srv.CreateReference(&Bar{i: f.i + 1})
}

// dialedPair starts a server on an ephemeral loopback TCP port, binds foo
// under the name "foo", and returns a connected client; shutdown and close
// are registered with t.Cleanup.
func dialedPair(t *testing.T, foo *Foo) *client.Client {
	t.Helper()

	srv := server.New()
	foo.srv = srv
	if err := srv.Bind(foo, "foo"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	e, err := endpoint.Parse("tcpromp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	go func() {
		if err := srv.Serve(e); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Shutdown(time.Second) })

	_, port, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	p, _ := strconv.Atoi(port)
	dialEP := endpoint.Endpoint{Kind: endpoint.TCP, Host: "127.0.0.1", Port: p}

	c, err := client.Dial(dialEP)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// S1: echo.
func TestScenarioEcho(t *testing.T) {
	c := dialedPair(t, &Foo{})

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	v, err := proxy.Call("foo", int64(42))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got, ok := v.(int64); !ok || got != 42 {
		t.Errorf("foo(42) = %v, want 42", v)
	}
}

// S2: one-way accumulator.
func TestScenarioOnewayAccumulator(t *testing.T) {
	c := dialedPair(t, &Foo{})

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := proxy.Oneway("foo", int64(1)); err != nil {
		t.Fatal(err)
	}
	if err := proxy.Oneway("foo", int64(2)); err != nil {
		t.Fatal(err)
	}
	if err := proxy.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	v, err := proxy.Call("i")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got, ok := v.(int64); !ok || got != 2 {
		t.Errorf("i() = %v, want 2", v)
	}
}

// S3: yields.
func TestScenarioYields(t *testing.T) {
	c := dialedPair(t, &Foo{})

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	var record []int64
	if _, err := proxy.CallBlock(func(v interface{}) error {
		record = append(record, v.(int64))
		return nil
	}, "each"); err != nil {
		t.Fatalf("CallBlock failed: %v", err)
	}
	if len(record) != 3 || record[0] != 1 || record[1] != 2 || record[2] != 3 {
		t.Errorf("record = %v, want [1 2 3]", record)
	}
}

// S4: exception with stitched backtrace.
func TestScenarioExceptionBacktrace(t *testing.T) {
	c := dialedPair(t, &Foo{})

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	_, callErr := proxy.Call("throw_exception")
	if callErr == nil {
		t.Fatal("expected an error")
	}
	remErr, ok := callErr.(*client.RemoteError)
	if !ok {
		t.Fatalf("got %T, want *client.RemoteError", callErr)
	}
	if remErr.Class != "RuntimeError" || remErr.Message != "boom" {
		t.Errorf("got %+v", remErr)
	}
	var sawServerFrame bool
	for _, frame := range remErr.Backtrace {
		if strings.Contains(frame, "throwException2") {
			sawServerFrame = true
			break
		}
	}
	if !sawServerFrame {
		t.Errorf("backtrace %v does not contain a server-side throwException2 frame", remErr.Backtrace)
	}
}

// S5: remote reference.
func TestScenarioRemoteReference(t *testing.T) {
	foo := &Foo{i: 10}
	c := dialedPair(t, foo)

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	v, err := proxy.Call("bar")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	barProxy, ok := v.(*client.Proxy)
	if !ok {
		t.Fatalf("got %T, want *client.Proxy", v)
	}
	got, err := barProxy.Call("i")
	if err != nil {
		t.Fatalf("Call on remote reference failed: %v", err)
	}
	if n, ok := got.(int64); !ok || n != 11 {
		t.Errorf("bar.i() = %v, want 11", got)
	}

	if err := barProxy.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := barProxy.Call("i"); err == nil {
		t.Fatal("expected a call on a released reference to raise")
	}
}

// S6: method-name filtering.
func TestScenarioMethodNameFiltering(t *testing.T) {
	c := dialedPair(t, &Foo{})

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	names, err := proxy.Methods()
	if err != nil {
		t.Fatalf("Methods failed: %v", err)
	}
	for _, n := range names {
		if n == "dup" || n == "clone" {
			t.Errorf("Methods() contains forbidden name %q", n)
		}
	}

	ok, err := proxy.RespondTo("clone")
	if err != nil {
		t.Fatalf("RespondTo(clone) should not round-trip: %v", err)
	}
	if ok {
		t.Error("RespondTo(clone) = true, want false")
	}

	if _, err := proxy.Call("clone"); err == nil {
		t.Fatal("expected Call(clone) to fail locally")
	}

	ok, err = proxy.RespondTo("foo")
	if err != nil {
		t.Fatalf("RespondTo(foo) failed: %v", err)
	}
	if !ok {
		t.Error("RespondTo(foo) = false, want true")
	}
}

// memoryDirectory is an in-process discovery.Directory, standing in for an
// EtcdDirectory so DialName can be exercised without a live etcd instance.
type memoryDirectory struct {
	mu        sync.Mutex
	instances map[string][]discovery.Instance
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{instances: make(map[string][]discovery.Instance)}
}

func (d *memoryDirectory) Register(serviceName string, instance discovery.Instance, ttl int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances[serviceName] = append(d.instances[serviceName], instance)
	return nil
}

func (d *memoryDirectory) Deregister(serviceName string, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.instances[serviceName][:0]
	for _, inst := range d.instances[serviceName] {
		if inst.Endpoint != endpoint {
			kept = append(kept, inst)
		}
	}
	d.instances[serviceName] = kept
	return nil
}

func (d *memoryDirectory) Discover(serviceName string) ([]discovery.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]discovery.Instance(nil), d.instances[serviceName]...), nil
}

func (d *memoryDirectory) Watch(serviceName string) <-chan []discovery.Instance {
	ch := make(chan []discovery.Instance)
	close(ch)
	return ch
}

// TestDialByName exercises DialName end to end: register an endpoint in a
// directory, resolve it by name through a balancer, and dial it.
func TestDialByName(t *testing.T) {
	srv := server.New()
	foo := &Foo{}
	foo.srv = srv
	if err := srv.Bind(foo, "foo"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	e, err := endpoint.Parse("tcpromp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	go func() {
		if err := srv.Serve(e); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Shutdown(time.Second) })

	dir := newMemoryDirectory()
	_, port, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	inst := discovery.Instance{Endpoint: "tcpromp://127.0.0.1:" + port, Weight: 1}
	if err := dir.Register("greeter", inst, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	c, err := DialName(dir, "greeter", &loadbalance.RoundRobinBalancer{})
	if err != nil {
		t.Fatalf("DialName failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	proxy, err := c.Resolve("foo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	v, err := proxy.Call("foo", int64(7))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got, ok := v.(int64); !ok || got != 7 {
		t.Errorf("foo(7) = %v, want 7", v)
	}
}

// TestDialByNameNoInstances confirms a name with no registered instances
// fails at the balancer, not at the dial, since there's nothing to dial.
func TestDialByNameNoInstances(t *testing.T) {
	dir := newMemoryDirectory()
	if _, err := DialName(dir, "nobody", &loadbalance.RoundRobinBalancer{}); err == nil {
		t.Fatal("expected an error resolving a name with no registered instances")
	}
}
