package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus        = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	propsIface      = "org.freedesktop.DBus.Properties"
	propsSignal     = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManager   = "org.freedesktop.DBus.ObjectManager"
	discoveryPoll   = 500 * time.Millisecond
	resolvePoll     = 200 * time.Millisecond
	notifyQueueSize = 64
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ drives a local adapter through the bluetoothd D-Bus API. It holds a
// private system bus connection so Close can release it.
type BlueZ struct {
	conn        *dbus.Conn
	adapter     string
	adapterPath dbus.ObjectPath
	logger      *log.Logger

	mu    sync.Mutex
	links map[*bluezLink]struct{}
}

// OpenBlueZ connects to the system bus and checks that adapter (for example
// "hci0") exists and is powered.
func OpenBlueZ(adapter string, logger *log.Logger) (*BlueZ, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	b := &BlueZ{
		conn:        conn,
		adapter:     adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		logger:      logger,
		links:       make(map[*bluezLink]struct{}),
	}

	powered, err := getProp[bool](conn, b.adapterPath, adapterIface, "Powered")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("adapter %s: %w (is bluetooth.service running?)", adapter, err)
	}
	if !powered {
		conn.Close()
		return nil, fmt.Errorf("adapter %s is powered off", adapter)
	}
	return b, nil
}

// Scan runs LE discovery for window and reports every named device under
// the adapter in the order it first appeared.
func (b *BlueZ) Scan(ctx context.Context, window time.Duration) ([]Peripheral, error) {
	adapter := b.conn.Object(bluezBus, b.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return nil, fmt.Errorf("set discovery filter: %w", err)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		// Another client may already be discovering; the object cache is
		// still filling, so keep polling.
		b.logger.Printf("warn: StartDiscovery: %v", err)
	} else {
		defer adapter.Call(adapterIface+".StopDiscovery", 0)
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		found []Peripheral
		seen  = make(map[dbus.ObjectPath]bool)
	)
	collect := func() error {
		objects, err := b.managedObjects(scanCtx)
		if err != nil {
			return err
		}
		// Map iteration is unordered, so devices that appear in the same
		// poll are ordered by path to keep results stable.
		var fresh []dbus.ObjectPath
		for path, ifaces := range objects {
			if _, ok := ifaces[deviceIface]; !ok || seen[path] {
				continue
			}
			if !strings.HasPrefix(string(path), string(b.adapterPath)+"/") {
				continue
			}
			fresh = append(fresh, path)
		}
		slices.Sort(fresh)
		for _, path := range fresh {
			props := objects[path][deviceIface]
			name, _ := props["Name"].Value().(string)
			if name == "" {
				// Not named yet; look again on the next poll.
				continue
			}
			addr, _ := props["Address"].Value().(string)
			seen[path] = true
			found = append(found, Peripheral{Name: name, Address: addr})
		}
		return nil
	}

	ticker := time.NewTicker(discoveryPoll)
	defer ticker.Stop()
	for {
		if err := collect(); err != nil && scanCtx.Err() == nil {
			return found, fmt.Errorf("list devices: %w", err)
		}
		select {
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return found, err
			}
			return found, nil
		case <-ticker.C:
		}
	}
}

// Connect opens a link to p and subscribes to its UART TX characteristic.
func (b *BlueZ) Connect(ctx context.Context, p Peripheral) (Link, error) {
	if p.Address == "" {
		return nil, fmt.Errorf("%w: %q has no address", ErrDeviceNotFound, p.Name)
	}
	devPath := dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", b.adapterPath, strings.ReplaceAll(p.Address, ":", "_")))
	dev := b.conn.Object(bluezBus, devPath)

	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.Address, err)
	}

	fail := func(err error) (Link, error) {
		dev.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	if err := b.waitResolved(ctx, devPath); err != nil {
		return fail(fmt.Errorf("resolve services on %s: %w", p.Address, err))
	}

	objects, err := b.managedObjects(ctx)
	if err != nil {
		return fail(fmt.Errorf("list characteristics: %w", err))
	}
	var txPath, rxPath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), string(devPath)+"/") {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		switch strings.ToLower(uuid) {
		case NUSTX:
			txPath = path
		case NUSRX:
			rxPath = path
		}
	}
	if txPath == "" || rxPath == "" {
		return fail(fmt.Errorf("%s does not expose the UART service", p.Address))
	}

	l := &bluezLink{
		radio:   b,
		devPath: devPath,
		txPath:  txPath,
		rxPath:  rxPath,
		match:   fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'", bluezBus, propsIface, devPath),
		signals: make(chan *dbus.Signal, notifyQueueSize),
		notify:  make(chan []byte, notifyQueueSize),
		done:    make(chan struct{}),
	}

	if err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, l.match).Err; err != nil {
		return fail(fmt.Errorf("add signal match: %w", err))
	}
	b.conn.Signal(l.signals)

	if err := b.conn.Object(bluezBus, txPath).CallWithContext(ctx, gattCharIface+".StartNotify", 0).Err; err != nil {
		l.unsubscribe()
		return fail(fmt.Errorf("start notify: %w", err))
	}

	b.mu.Lock()
	b.links[l] = struct{}{}
	b.mu.Unlock()

	go l.watch()
	b.logger.Printf("linked to %s (%s)", p.Name, p.Address)
	return l, nil
}

// Close drops every open link and the bus connection.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	links := make([]*bluezLink, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	return b.conn.Close()
}

func (b *BlueZ) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := b.conn.Object(bluezBus, "/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (b *BlueZ) waitResolved(ctx context.Context, devPath dbus.ObjectPath) error {
	t := time.NewTicker(resolvePoll)
	defer t.Stop()
	for {
		resolved, err := getProp[bool](b.conn, devPath, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *BlueZ) forget(l *bluezLink) {
	b.mu.Lock()
	delete(b.links, l)
	b.mu.Unlock()
}

type bluezLink struct {
	radio   *BlueZ
	devPath dbus.ObjectPath
	txPath  dbus.ObjectPath
	rxPath  dbus.ObjectPath
	match   string

	signals chan *dbus.Signal
	notify  chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

func (l *bluezLink) Write(ctx context.Context, b []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	obj := l.radio.conn.Object(bluezBus, l.rxPath)
	if err := obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, b, opts).Err; err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("write value: %w", err)
	}
	return nil
}

func (l *bluezLink) Notifications() <-chan []byte { return l.notify }
func (l *bluezLink) Done() <-chan struct{}        { return l.done }

// Close stops notifications and disconnects the device. It is safe to call
// more than once.
func (l *bluezLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		conn := l.radio.conn
		conn.Object(bluezBus, l.txPath).Call(gattCharIface+".StopNotify", 0)
		l.unsubscribe()
		err = conn.Object(bluezBus, l.devPath).Call(deviceIface+".Disconnect", 0).Err
		l.radio.forget(l)
	})
	return err
}

func (l *bluezLink) unsubscribe() {
	l.radio.conn.RemoveSignal(l.signals)
	l.radio.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, l.match)
}

// watch forwards TX value changes and closes the link when the device
// reports it is no longer connected.
func (l *bluezLink) watch() {
	for {
		select {
		case <-l.done:
			return
		case sig, ok := <-l.signals:
			if !ok {
				_ = l.Close()
				return
			}
			if sig.Name != propsSignal || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			switch sig.Path {
			case l.txPath:
				v, ok := changed["Value"]
				if !ok {
					continue
				}
				b, ok := v.Value().([]byte)
				if !ok {
					continue
				}
				select {
				case l.notify <- b:
				default:
					l.radio.logger.Printf("warn: notification queue full, dropping %d bytes", len(b))
				}
			case l.devPath:
				if v, ok := changed["Connected"]; ok {
					if up, _ := v.Value().(bool); !up {
						l.radio.logger.Printf("link to %s lost", l.devPath)
						_ = l.Close()
						return
					}
				}
			}
		}
	}
}

func getProp[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + prop)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has type %T", iface, prop, v.Value())
	}
	return val, nil
}
