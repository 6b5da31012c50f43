package bus

import (
	"context"
	"strings"
	"sync"
)

// fakeConn is an in-memory bus. Objects are keyed by service then path then
// interface.
type fakeConn struct {
	mu       sync.Mutex
	objects  map[string]map[string]map[string]map[string]interface{}
	methods  map[string]func(ctx context.Context, path string, args []interface{}) ([]interface{}, error)
	calls    []string
	lastArgs []interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		objects: map[string]map[string]map[string]map[string]interface{}{},
		methods: map[string]func(ctx context.Context, path string, args []interface{}) ([]interface{}, error){},
	}
}

func (f *fakeConn) addObject(service, path, iface string, props map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[service] == nil {
		f.objects[service] = map[string]map[string]map[string]interface{}{}
	}
	if f.objects[service][path] == nil {
		f.objects[service][path] = map[string]map[string]interface{}{}
	}
	f.objects[service][path][iface] = props
}

func (f *fakeConn) setProperty(service, path, iface, name string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[service][path][iface][name] = v
}

func (f *fakeConn) handle(method string, fn func(ctx context.Context, path string, args []interface{}) ([]interface{}, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[method] = fn
}

func (f *fakeConn) Call(ctx context.Context, service, path, method string, args ...interface{}) ([]interface{}, error) {
	f.mu.Lock()
	if _, ok := f.objects[service]; !ok {
		f.mu.Unlock()
		return nil, ErrBusUnavailable
	}
	f.calls = append(f.calls, strings.TrimSpace(method+" "+joinArgs(args)))
	f.lastArgs = args
	fn, ok := f.methods[method]
	f.mu.Unlock()
	if !ok {
		return nil, &RemoteCallError{Name: "org.freedesktop.DBus.Error.UnknownMethod", Text: method}
	}
	return fn(ctx, path, args)
}

func (f *fakeConn) GetProperty(ctx context.Context, service, path, iface, name string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objs, ok := f.objects[service]
	if !ok {
		return nil, ErrBusUnavailable
	}
	v, ok := objs[path][iface][name]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	return v, nil
}

func (f *fakeConn) GetAllProperties(ctx context.Context, service, path, iface string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objs, ok := f.objects[service]
	if !ok {
		return nil, ErrBusUnavailable
	}
	props, ok := objs[path][iface]
	if !ok {
		return nil, &RemoteCallError{Name: "org.freedesktop.DBus.Error.UnknownObject", Text: path}
	}
	out := map[string]interface{}{}
	for k, v := range props {
		out[k] = v
	}
	return out, nil
}

func (f *fakeConn) ManagedObjects(ctx context.Context, service, root string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objs, ok := f.objects[service]
	if !ok {
		return nil, ErrBusUnavailable
	}
	var paths []string
	for p := range objs {
		if strings.HasPrefix(p, root) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func joinArgs(args []interface{}) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
