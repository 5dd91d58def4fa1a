//go:build linux

package power

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	login1Dest   = "org.freedesktop.login1"
	login1Path   = dbus.ObjectPath("/org/freedesktop/login1")
	login1Method = "org.freedesktop.login1.Manager.Inhibit"
)

// systemInhibit talks to systemd-logind over the system bus.
func systemInhibit() (InhibitFunc, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	obj := conn.Object(login1Dest, login1Path)

	return func(ctx context.Context, what, who, why, mode string) (*os.File, error) {
		var fd dbus.UnixFD
		call := obj.CallWithContext(ctx, login1Method, 0, what, who, why, mode)
		if err := call.Store(&fd); err != nil {
			return nil, fmt.Errorf("login1 inhibit: %w", err)
		}
		return os.NewFile(uintptr(fd), "login1-inhibit"), nil
	}, nil
}
