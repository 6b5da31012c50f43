package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	propertiesIface    = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// D-Bus error names mapped onto the package errors.
var (
	unavailableErrors = map[string]bool{
		"org.freedesktop.DBus.Error.ServiceUnknown": true,
		"org.freedesktop.DBus.Error.NameHasNoOwner": true,
		"org.freedesktop.DBus.Error.Disconnected":   true,
		"org.freedesktop.DBus.Error.Spawn.Failed":   true,
	}
	propertyErrors = map[string]bool{
		"org.freedesktop.DBus.Error.UnknownProperty":  true,
		"org.freedesktop.DBus.Error.UnknownInterface": true,
		"org.freedesktop.DBus.Error.InvalidArgs":      true,
	}
	timeoutErrors = map[string]bool{
		"org.freedesktop.DBus.Error.NoReply": true,
		"org.freedesktop.DBus.Error.Timeout": true,
	}
)

// DBusConn is a Conn on a godbus connection.
type DBusConn struct {
	conn *dbus.Conn
}

var _ Conn = (*DBusConn)(nil)

// DialSystem connects to the system bus.
func DialSystem() (*DBusConn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(ErrBusUnavailable, err.Error())
	}
	return &DBusConn{conn: conn}, nil
}

func (c *DBusConn) Close() error { return c.conn.Close() }

func (c *DBusConn) Call(ctx context.Context, service, path, method string, args ...interface{}) ([]interface{}, error) {
	call := c.conn.Object(service, dbus.ObjectPath(path)).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, mapError(ctx, call.Err, false)
	}
	out := make([]interface{}, len(call.Body))
	for i, v := range call.Body {
		out[i] = plain(v)
	}
	return out, nil
}

func (c *DBusConn) GetProperty(ctx context.Context, service, path, iface, name string) (interface{}, error) {
	var v dbus.Variant
	err := c.conn.Object(service, dbus.ObjectPath(path)).
		CallWithContext(ctx, propertiesIface+".Get", 0, iface, name).
		Store(&v)
	if err != nil {
		return nil, mapError(ctx, err, true)
	}
	return plain(v), nil
}

func (c *DBusConn) GetAllProperties(ctx context.Context, service, path, iface string) (map[string]interface{}, error) {
	var props map[string]dbus.Variant
	err := c.conn.Object(service, dbus.ObjectPath(path)).
		CallWithContext(ctx, propertiesIface+".GetAll", 0, iface).
		Store(&props)
	if err != nil {
		return nil, mapError(ctx, err, false)
	}
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = plain(v)
	}
	return out, nil
}

func (c *DBusConn) ManagedObjects(ctx context.Context, service, root string) ([]string, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.conn.Object(service, dbus.ObjectPath(root)).
		CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, mapError(ctx, err, false)
	}
	paths := make([]string, 0, len(objects))
	for p := range objects {
		paths = append(paths, string(p))
	}
	return paths, nil
}

func mapError(ctx context.Context, err error, property bool) error {
	if ctx.Err() != nil {
		return ErrTimeout
	}
	if errors.Is(err, dbus.ErrClosed) {
		return ErrBusUnavailable
	}

	name, text, ok := busError(err)
	if !ok {
		return &RemoteCallError{Name: "transport", Text: err.Error()}
	}
	switch {
	case unavailableErrors[name]:
		return errors.Wrap(ErrBusUnavailable, text)
	case timeoutErrors[name]:
		return errors.Wrap(ErrTimeout, text)
	case property && propertyErrors[name]:
		return errors.Wrap(ErrPropertyNotFound, text)
	default:
		return &RemoteCallError{Name: name, Text: text}
	}
}

func busError(err error) (string, string, bool) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name, v.Error(), true
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name, p.Error(), true
	}
	return "", "", false
}

// plain unwraps variants and object paths into ordinary Go values.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case dbus.Variant:
		return plain(t.Value())
	case dbus.ObjectPath:
		return string(t)
	case []dbus.ObjectPath:
		out := make([]string, len(t))
		for i, p := range t {
			out[i] = string(p)
		}
		return out
	case map[string]dbus.Variant:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	default:
		return v
	}
}
