// Package bus exposes the system services the agent drives (ModemManager,
// systemd) as typed clients over the local message bus. Every call is
// synchronous and bounded by a timeout; retry policy belongs to callers.
package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every property read and method call that does not
// carry its own timeout.
const DefaultTimeout = 2 * time.Second

var (
	// ErrBusUnavailable means the target service is not running or not on
	// the bus.
	ErrBusUnavailable = errors.New("bus service unavailable")

	// ErrPropertyNotFound means the object does not expose the property.
	ErrPropertyNotFound = errors.New("property not found")

	// ErrTimeout means the call did not complete within its bound.
	ErrTimeout = errors.New("bus call timed out")
)

// RemoteCallError carries the error reported by the remote side of a call.
type RemoteCallError struct {
	Name string
	Text string
}

func (e *RemoteCallError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("remote call failed: %s", e.Name)
	}
	return fmt.Sprintf("remote call failed: %s: %s", e.Name, e.Text)
}

// Conn is the bus connection the proxies are built on. Values are returned
// as plain Go values: variants are unwrapped and object paths are strings.
// Method names are fully qualified ("interface.Method").
type Conn interface {
	Call(ctx context.Context, service, path, method string, args ...interface{}) ([]interface{}, error)
	GetProperty(ctx context.Context, service, path, iface, name string) (interface{}, error)
	GetAllProperties(ctx context.Context, service, path, iface string) (map[string]interface{}, error)
	ManagedObjects(ctx context.Context, service, root string) ([]string, error)
	Close() error
}

// Handle identifies one remote object. It is only valid while the hardware
// behind it stays attached; after that calls fail and the caller must
// discover again.
type Handle struct {
	Service string
	Path    string
}

func (h Handle) String() string { return h.Service + h.Path }

// Proxy issues bounded calls against a Conn.
type Proxy struct {
	conn    Conn
	timeout time.Duration
}

// NewProxy wraps conn. A zero timeout selects DefaultTimeout.
func NewProxy(conn Conn, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Proxy{conn: conn, timeout: timeout}
}

// Timeout is the per-call bound.
func (p *Proxy) Timeout() time.Duration { return p.timeout }

// Close releases the underlying connection.
func (p *Proxy) Close() error { return p.conn.Close() }

// rootPath is the object-manager root a service publishes by convention,
// e.g. org.freedesktop.ModemManager1 -> /org/freedesktop/ModemManager1.
func rootPath(service string) string {
	return "/" + strings.ReplaceAll(service, ".", "/")
}

// Discover lists the objects of service whose path starts with prefix.
func (p *Proxy) Discover(ctx context.Context, service, prefix string) ([]Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	paths, err := p.conn.ManagedObjects(ctx, service, rootPath(service))
	if err != nil {
		return nil, errors.Wrapf(normalize(err), "discover %s", service)
	}
	sort.Strings(paths)

	handles := make([]Handle, 0, len(paths))
	for _, path := range paths {
		if strings.HasPrefix(path, prefix) {
			handles = append(handles, Handle{Service: service, Path: path})
		}
	}
	return handles, nil
}

// GetProperty reads one property of h.
func (p *Proxy) GetProperty(ctx context.Context, h Handle, iface, name string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	v, err := p.conn.GetProperty(ctx, h.Service, h.Path, iface, name)
	if err != nil {
		return nil, errors.Wrapf(normalize(err), "get %s.%s on %s", iface, name, h)
	}
	return v, nil
}

// GetString reads a string property.
func (p *Proxy) GetString(ctx context.Context, h Handle, iface, name string) (string, error) {
	v, err := p.GetProperty(ctx, h, iface, name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("property %s.%s on %s is %T, not a string", iface, name, h, v)
	}
	return s, nil
}

// GetInt reads an integer property of any bus integer width.
func (p *Proxy) GetInt(ctx context.Context, h Handle, iface, name string) (int64, error) {
	v, err := p.GetProperty(ctx, h, iface, name)
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, errors.Errorf("property %s.%s on %s is %T, not an integer", iface, name, h, v)
	}
	return n, nil
}

// Call invokes method on h bounded by the proxy timeout.
func (p *Proxy) Call(ctx context.Context, h Handle, method string, args ...interface{}) ([]interface{}, error) {
	return p.CallTimeout(ctx, h, method, p.timeout, args...)
}

// CallTimeout invokes method on h bounded by timeout.
func (p *Proxy) CallTimeout(ctx context.Context, h Handle, method string, timeout time.Duration, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.conn.Call(ctx, h.Service, h.Path, method, args...)
	if err != nil {
		return nil, errors.Wrapf(normalize(err), "call %s on %s", method, h)
	}
	return out, nil
}

// FindByProperties returns the first object of service under prefix whose
// every named property on iface has a value in the matching candidate list.
// No match yields nil without an error.
func (p *Proxy) FindByProperties(ctx context.Context, service, prefix, iface string, desired map[string][]string) (*Handle, error) {
	handles, err := p.Discover(ctx, service, prefix)
	if err != nil {
		return nil, err
	}

	for _, h := range handles {
		props, err := p.getAll(ctx, h, iface)
		if err != nil {
			log.Debug().Err(err).Str("object", h.String()).Msg("skipping object, properties unavailable")
			continue
		}
		if matches(props, desired) {
			found := h
			return &found, nil
		}
	}
	return nil, nil
}

func (p *Proxy) getAll(ctx context.Context, h Handle, iface string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	props, err := p.conn.GetAllProperties(ctx, h.Service, h.Path, iface)
	if err != nil {
		return nil, errors.Wrapf(normalize(err), "get all %s on %s", iface, h)
	}
	return props, nil
}

func matches(props map[string]interface{}, desired map[string][]string) bool {
	for name, candidates := range desired {
		v, ok := props[name]
		if !ok {
			return false
		}
		actual := fmt.Sprint(v)
		found := false
		for _, c := range candidates {
			if c == actual {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// normalize folds context expiry into ErrTimeout. Bus-specific errors are
// already mapped by the Conn.
func normalize(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
