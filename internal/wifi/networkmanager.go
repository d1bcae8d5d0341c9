package wifi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	nmDest      = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"

	nmSettingsPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	nmSettingsInterface = "org.freedesktop.NetworkManager.Settings"
	nmProfileInterface  = "org.freedesktop.NetworkManager.Settings.Connection"

	profilePrefix = "firminia-"
)

// NetworkManager global states (NMState).
const (
	nmStateDisconnected  uint32 = 20
	nmStateConnectedSite uint32 = 60
)

// NetworkManagerDriver drives a Wi-Fi interface through NetworkManager over
// the system D-Bus.
type NetworkManagerDriver struct {
	iface string
	conn  *dbus.Conn
	call  busCall
}

// busCall invokes method on a NetworkManager object.
type busCall func(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call

// NewNetworkManagerDriver connects to the system bus.
func NewNetworkManagerDriver(iface string) (*NetworkManagerDriver, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("wifi: connecting to system bus: %w", err)
	}
	d := &NetworkManagerDriver{iface: iface, conn: conn}
	d.call = func(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
		return conn.Object(nmDest, path).CallWithContext(ctx, method, 0, args...)
	}
	return d, nil
}

// Start subscribes to NetworkManager StateChanged signals and translates
// them into events. The current state is reported first.
func (d *NetworkManagerDriver) Start(ctx context.Context, events chan<- Event) error {
	if err := d.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return fmt.Errorf("wifi: subscribing to NetworkManager: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	d.conn.Signal(signals)

	var initial uint32
	prop, err := d.conn.Object(nmDest, nmPath).GetProperty(nmInterface + ".State")
	if err == nil {
		initial, _ = prop.Value().(uint32)
	} else {
		slog.Warn("[WiFi] reading NetworkManager state failed", "error", err)
	}

	go func() {
		defer d.conn.RemoveSignal(signals)
		send := func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		send(Event{Kind: EventStarted})
		if ev, ok := translateState(initial); ok {
			send(ev)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != nmInterface+".StateChanged" || len(sig.Body) == 0 {
					continue
				}
				state, ok := sig.Body[0].(uint32)
				if !ok {
					continue
				}
				if ev, ok := translateState(state); ok {
					send(ev)
				}
			}
		}
	}()
	return nil
}

// translateState maps NMState values to events. Intermediate states
// (connecting, disconnecting) produce nothing.
func translateState(state uint32) (Event, bool) {
	switch {
	case state >= nmStateConnectedSite:
		return Event{Kind: EventGotIP}, true
	case state == nmStateDisconnected:
		return Event{Kind: EventDisconnected}, true
	default:
		return Event{}, false
	}
}

// Associate activates the device's Wi-Fi profile for ssid on the interface.
// The profile is created on first use and updated in place afterwards.
func (d *NetworkManagerDriver) Associate(ctx context.Context, ssid, passphrase string) error {
	var device dbus.ObjectPath
	if err := d.call(ctx, nmPath, nmInterface+".GetDeviceByIpIface", d.iface).Store(&device); err != nil {
		return fmt.Errorf("wifi: finding device %s: %w", d.iface, err)
	}

	settings := profileSettings(ssid, passphrase)
	profile, err := d.findProfile(ctx, profilePrefix+ssid)
	if err != nil {
		return err
	}

	if profile == "" {
		var active dbus.ObjectPath
		call := d.call(ctx, nmPath, nmInterface+".AddAndActivateConnection", settings, device, dbus.ObjectPath("/"))
		if err := call.Store(&profile, &active); err != nil {
			return fmt.Errorf("wifi: activating %q: %w", ssid, err)
		}
		slog.Debug("[WiFi] profile created", "profile", profile, "active", active)
		return nil
	}

	if err := d.call(ctx, profile, nmProfileInterface+".Update", settings).Err; err != nil {
		return fmt.Errorf("wifi: updating profile for %q: %w", ssid, err)
	}
	var active dbus.ObjectPath
	call := d.call(ctx, nmPath, nmInterface+".ActivateConnection", profile, device, dbus.ObjectPath("/"))
	if err := call.Store(&active); err != nil {
		return fmt.Errorf("wifi: activating %q: %w", ssid, err)
	}
	slog.Debug("[WiFi] activation requested", "profile", profile, "active", active)
	return nil
}

// findProfile returns the saved connection named id, or "" when there is none.
func (d *NetworkManagerDriver) findProfile(ctx context.Context, id string) (dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	if err := d.call(ctx, nmSettingsPath, nmSettingsInterface+".ListConnections").Store(&paths); err != nil {
		return "", fmt.Errorf("wifi: listing profiles: %w", err)
	}
	for _, p := range paths {
		var settings map[string]map[string]dbus.Variant
		if err := d.call(ctx, p, nmProfileInterface+".GetSettings").Store(&settings); err != nil {
			slog.Debug("[WiFi] reading profile failed", "profile", p, "error", err)
			continue
		}
		if v, ok := settings["connection"]["id"]; ok && v.Value() == id {
			return p, nil
		}
	}
	return "", nil
}

func profileSettings(ssid, passphrase string) map[string]map[string]dbus.Variant {
	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":   dbus.MakeVariant(profilePrefix + ssid),
			"type": dbus.MakeVariant("802-11-wireless"),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("auto")},
	}
	if passphrase != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(passphrase),
		}
	}
	return settings
}

// Close releases the bus connection.
func (d *NetworkManagerDriver) Close() error {
	return d.conn.Close()
}

var _ Driver = (*NetworkManagerDriver)(nil)
