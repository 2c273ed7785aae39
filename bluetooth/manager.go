package bluetooth

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/usetempo/tempod/utils"
)

// Peripheral is the registry's view of one registered Tempo device. ID is
// the BLE address recorded at registration time; it can go stale when the
// peripheral rotates addresses, which is why discovery falls back to
// nickname matching.
type Peripheral struct {
	ID        string
	Nickname  string
	ProfileID string
}

// Registry is the device registry collaborator. The manager only reads the
// peripheral set and reports successful connections back.
type Registry interface {
	Peripherals() ([]Peripheral, error)
	MarkConnected(id string) error
}

// Timings collects the connection-manager intervals so the daemon config can
// override them. Zero values fall back to the package defaults.
type Timings struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	VerifyInterval    time.Duration
	DiscoveryInterval time.Duration
	LockTTL           time.Duration
}

func (t *Timings) applyDefaults() {
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = ConnectTimeout
	}
	if t.KeepAliveInterval <= 0 {
		t.KeepAliveInterval = KeepAliveInterval
	}
	if t.VerifyInterval <= 0 {
		t.VerifyInterval = VerifyInterval
	}
	if t.DiscoveryInterval <= 0 {
		t.DiscoveryInterval = DiscoveryInterval
	}
	if t.LockTTL <= 0 {
		t.LockTTL = LockTTL
	}
}

type linkEventKind int

const (
	evConnected linkEventKind = iota
	evDisconnected
	evVerifyFailed
)

type linkEvent struct {
	kind         linkEventKind
	address      string
	registeredID string
	reason       string
}

// Manager owns peripheral discovery, the connect/disconnect lifecycle,
// keep-alive, and the single-link mutual-exclusion lock. Link events from
// the monitoring goroutines funnel through one event queue drained by the
// run loop, so state transitions stay ordered.
type Manager struct {
	mu       sync.RWMutex
	conn     *dbus.Conn
	adapter  dbus.ObjectPath
	hub      *utils.WebSocketHub
	registry Registry
	lock     *ConnectionLock
	timings  Timings

	state             ConnState
	link              *gattLink
	rememberedAddress string
	rememberedID      string

	events    chan linkEvent
	stopChan  chan struct{}
	isRunning bool
}

func NewManager(registry Registry, hub *utils.WebSocketHub, timings Timings) (*Manager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	timings.applyDefaults()
	return &Manager{
		conn:     conn,
		adapter:  dbus.ObjectPath("/org/bluez/hci0"),
		hub:      hub,
		registry: registry,
		lock:     NewConnectionLock(timings.LockTTL),
		timings:  timings,
		state:    StateDisconnected,
		events:   make(chan linkEvent, 16),
		stopChan: make(chan struct{}),
	}, nil
}

// Lock returns the link mutual-exclusion lease. Sync attempts acquire it
// before connecting; the auto-discovery loop does the same.
func (m *Manager) Lock() *ConnectionLock { return m.lock }

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("manager already running")
	}

	log.Println("BT_MGR: starting connection manager")
	go m.run()
	go m.keepAliveLoop()
	go m.verifyLoop()
	go m.discoveryLoop()
	m.isRunning = true
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return
	}

	log.Println("BT_MGR: stopping connection manager")
	close(m.stopChan)
	if m.link != nil {
		m.disconnectLocked("shutdown")
	}
	m.isRunning = false
}

func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveLink returns the current link when connected.
func (m *Manager) ActiveLink() (Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.link == nil {
		return nil, &ConnectionError{Op: "active link", Err: ErrDisconnected}
	}
	return m.link, nil
}

// EnsureConnected returns a link to the given peripheral, connecting first
// if needed. The caller must already hold the connection lock. Matching
// follows the registry identifier first and the nickname second, so a
// peripheral that rotated its address since registration is still reachable
// (the stored identifier is left unchanged).
func (m *Manager) EnsureConnected(p Peripheral) (Link, error) {
	m.mu.RLock()
	if m.state == StateConnected && m.link != nil && m.rememberedID == p.ID {
		link := m.link
		m.mu.RUnlock()
		if link.Connected() {
			return link, nil
		}
	} else {
		m.mu.RUnlock()
	}

	return m.connectPeripheral(p)
}

// connectPeripheral resolves the runtime address for a registered peripheral
// and establishes the GATT link.
func (m *Manager) connectPeripheral(p Peripheral) (Link, error) {
	m.setState(StateScanning)

	address, err := m.resolveAddress(p)
	if err != nil {
		m.setState(StateDisconnected)
		return nil, err
	}

	m.setState(StateConnecting)
	link, err := m.connectTo(address)
	if err != nil {
		m.setState(StateDisconnected)
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	m.mu.Lock()
	m.link = link
	m.rememberedAddress = address
	m.rememberedID = p.ID
	m.mu.Unlock()

	m.events <- linkEvent{kind: evConnected, address: address, registeredID: p.ID}
	return link, nil
}

// resolveAddress finds the runtime BLE address for a registered peripheral.
// The stored identifier is tried directly first; if the device is unknown to
// the adapter, a short scan matches by identifier, then by display name.
func (m *Manager) resolveAddress(p Peripheral) (string, error) {
	if m.deviceKnown(p.ID) {
		return p.ID, nil
	}

	address, cue, _, err := m.scanForMatch([]Peripheral{p})
	if err != nil {
		return "", err
	}
	log.Printf("BT_MGR: matched %q by %s at %s", p.Nickname, cue, address)
	return address, nil
}

// scanForMatch runs one short discovery cycle and returns the first
// registered peripheral it can match, along with its runtime address.
// Identifier matches win over name matches; only one target is connected
// per cycle.
func (m *Manager) scanForMatch(targets []Peripheral) (address, cue string, matched Peripheral, err error) {
	if m.hub != nil {
		m.hub.Broadcast(utils.WebSocketEvent{
			Type:    utils.EventScanStarted,
			Payload: utils.ConnectionPayload{Timestamp: time.Now().Unix()},
		})
	}

	adapter := m.conn.Object(BLUEZ_BUS_NAME, m.adapter)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		log.Printf("BT_MGR: failed to set discovery filter: %v", err)
		// Some adapters reject filters; scan anyway.
	}
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil {
		return "", "", Peripheral{}, &ConnectionError{Op: "start discovery", Err: err}
	}
	defer func() {
		if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err; err != nil {
			log.Printf("BT_MGR: failed to stop discovery: %v", err)
		}
	}()

	deadline := time.Now().Add(ScanDuration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-m.stopChan:
			return "", "", Peripheral{}, &ConnectionError{Op: "scan", Err: ErrNotFound}
		case <-ticker.C:
			d, target, matchCue, ok := matchDiscovered(m.discoveredDevices(), targets)
			if !ok {
				continue
			}
			if m.hub != nil {
				m.hub.Broadcast(utils.WebSocketEvent{
					Type: utils.EventPeripheralFound,
					Payload: utils.PeripheralFoundPayload{
						Address:  d.address,
						Name:     d.name,
						MatchCue: matchCue,
					},
				})
			}
			return d.address, matchCue, target, nil
		}
	}

	return "", "", Peripheral{}, &ConnectionError{Op: "scan", Err: ErrNotFound}
}

// matchDiscovered pairs a discovered device with a registered peripheral.
// Every discovered device is checked for an identifier match before any name
// fallback is considered, so address identity always beats a display-name
// collision. The name fallback covers identifier churn: a peripheral that
// rotated its address since registration.
func matchDiscovered(devices []discoveredDevice, targets []Peripheral) (discoveredDevice, Peripheral, string, bool) {
	for _, target := range targets {
		for _, d := range devices {
			if strings.EqualFold(d.address, target.ID) {
				return d, target, "address", true
			}
		}
	}
	for _, target := range targets {
		for _, d := range devices {
			if d.name != "" && d.name == target.Nickname {
				return d, target, "name", true
			}
		}
	}
	return discoveredDevice{}, Peripheral{}, "", false
}

type discoveredDevice struct {
	address string
	name    string
}

// discoveredDevices snapshots the adapter's current device set.
func (m *Manager) discoveredDevices() []discoveredDevice {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := m.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		log.Printf("BT_MGR: failed to get managed objects during scan: %v", err)
		return nil
	}

	prefix := string(m.adapter) + "/dev_"
	var out []discoveredDevice
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		deviceIface, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		var d discoveredDevice
		if v, ok := deviceIface["Address"]; ok {
			d.address, _ = v.Value().(string)
		}
		if v, ok := deviceIface["Name"]; ok {
			d.name, _ = v.Value().(string)
		}
		if d.address != "" {
			out = append(out, d)
		}
	}
	return out
}

// deviceKnown reports whether the adapter already has a device object for
// the address (paired or previously seen).
func (m *Manager) deviceKnown(address string) bool {
	devicePath := formatDevicePath(m.adapter, address)
	obj := m.conn.Object(BLUEZ_BUS_NAME, devicePath)
	var props map[string]dbus.Variant
	err := obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, BLUEZ_DEVICE_INTERFACE).Store(&props)
	return err == nil
}

// connectTo establishes the GATT connection and resolves the Tempo
// characteristics, waiting up to ConnectTimeout.
func (m *Manager) connectTo(address string) (*gattLink, error) {
	devicePath := formatDevicePath(m.adapter, address)
	obj := m.conn.Object(BLUEZ_BUS_NAME, devicePath)

	var connected bool
	if err := obj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected); err != nil {
		connected = false
	}

	if !connected {
		if err := obj.Call("org.bluez.Device1.Connect", 0).Err; err != nil {
			if !strings.Contains(err.Error(), "InProgress") {
				return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
			}
		}

		deadline := time.Now().Add(m.timings.ConnectTimeout)
		for !connected {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for %s to connect", address)
			}
			time.Sleep(time.Second)
			if err := obj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected); err != nil {
				connected = false
			}
		}
	}

	// Wait for service resolution before walking the characteristic tree.
	var resolved bool
	for i := 0; i < 5; i++ {
		if err := obj.Call("org.freedesktop.DBus.Properties.Get", 0, BLUEZ_DEVICE_INTERFACE, "ServicesResolved").Store(&resolved); err == nil && resolved {
			break
		}
		time.Sleep(time.Second)
	}
	if !resolved {
		log.Printf("BT_MGR: services on %s may not be fully resolved", address)
	}

	link := &gattLink{
		conn:       m.conn,
		address:    address,
		devicePath: devicePath,
	}
	if err := link.resolveCharacteristics(); err != nil {
		return nil, err
	}
	return link, nil
}

// run drains the link-event queue and applies state transitions in order.
func (m *Manager) run() {
	for {
		select {
		case <-m.stopChan:
			return
		case ev := <-m.events:
			switch ev.kind {
			case evConnected:
				m.handleConnected(ev)
			case evDisconnected:
				m.handleDisconnected(ev)
			case evVerifyFailed:
				log.Printf("BT_MGR: deep verification failed (%s), reconnecting to remembered peripheral", ev.reason)
				m.handleDisconnected(ev)
				m.reconnectRemembered()
			}
		}
	}
}

func (m *Manager) handleConnected(ev linkEvent) {
	m.setState(StateConnected)
	log.Printf("BT_MGR: connected to %s", ev.address)

	if m.registry != nil && ev.registeredID != "" {
		if err := m.registry.MarkConnected(ev.registeredID); err != nil {
			log.Printf("BT_MGR: failed to mark %s connected: %v", ev.registeredID, err)
		}
	}

	// Best effort: a failed time-sync write never aborts the connection.
	if err := m.sendTimeSync(); err != nil {
		log.Printf("BT_MGR: time sync write failed: %v", err)
	}

	if m.hub != nil {
		m.hub.Broadcast(utils.WebSocketEvent{
			Type:    utils.EventConnected,
			Payload: utils.ConnectionPayload{Address: ev.address, Timestamp: time.Now().Unix()},
		})
	}
}

func (m *Manager) handleDisconnected(ev linkEvent) {
	m.mu.Lock()
	m.disconnectLocked(ev.reason)
	m.mu.Unlock()
}

// disconnectLocked tears down the current link. Caller holds mu.
func (m *Manager) disconnectLocked(reason string) {
	if m.link != nil {
		deviceObj := m.conn.Object(BLUEZ_BUS_NAME, m.link.devicePath)
		deviceObj.Call("org.bluez.Device1.Disconnect", 0)
	}
	address := m.rememberedAddress
	m.link = nil
	m.state = StateDisconnected

	log.Printf("BT_MGR: disconnected from %s (%s)", address, reason)
	if m.hub != nil {
		m.hub.Broadcast(utils.WebSocketEvent{
			Type:    utils.EventDisconnected,
			Payload: utils.ConnectionPayload{Address: address, Timestamp: time.Now().Unix(), Reason: reason},
		})
	}
}

// reconnectRemembered makes one attempt to get back to the peripheral we
// were last connected to.
func (m *Manager) reconnectRemembered() {
	m.mu.RLock()
	address := m.rememberedAddress
	id := m.rememberedID
	m.mu.RUnlock()
	if address == "" {
		return
	}

	holder, err := m.lock.TryAcquire()
	if err != nil {
		log.Printf("BT_MGR: skipping reconnect, %v", err)
		return
	}
	defer m.lock.Release(holder)

	m.setState(StateConnecting)
	link, err := m.connectTo(address)
	if err != nil {
		log.Printf("BT_MGR: reconnect to %s failed: %v", address, err)
		m.setState(StateDisconnected)
		return
	}

	m.mu.Lock()
	m.link = link
	m.mu.Unlock()
	m.events <- linkEvent{kind: evConnected, address: address, registeredID: id}
}

// keepAliveLoop issues the lightweight liveness probe while connected so
// the peripheral never idle-sleeps mid-session.
func (m *Manager) keepAliveLoop() {
	ticker := time.NewTicker(m.timings.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			link, err := m.ActiveLink()
			if err != nil {
				continue
			}
			if err := Probe(link); err != nil {
				// A single missed probe is tolerated; the deep
				// verification decides whether the link is really gone.
				log.Printf("BT_MGR: keep-alive probe failed: %v", err)
			}
		}
	}
}

// verifyLoop performs the deeper check: the peripheral must still be in the
// OS-level connected set and answer a probe.
func (m *Manager) verifyLoop() {
	ticker := time.NewTicker(m.timings.VerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			link, err := m.ActiveLink()
			if err != nil {
				continue
			}
			if !link.Connected() {
				m.events <- linkEvent{kind: evVerifyFailed, reason: "os connection set"}
				continue
			}
			if err := Probe(link); err != nil {
				m.events <- linkEvent{kind: evVerifyFailed, reason: "probe"}
			}
		}
	}
}

// discoveryLoop scans for registered peripherals while disconnected. Only
// the first match is connected per cycle.
func (m *Manager) discoveryLoop() {
	ticker := time.NewTicker(m.timings.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if m.State() != StateDisconnected || m.registry == nil {
				continue
			}
			peripherals, err := m.registry.Peripherals()
			if err != nil {
				log.Printf("BT_MGR: failed to list registered peripherals: %v", err)
				continue
			}
			if len(peripherals) == 0 {
				continue
			}

			holder, err := m.lock.TryAcquire()
			if err != nil {
				continue
			}
			m.autoConnect(peripherals)
			m.lock.Release(holder)
		}
	}
}

func (m *Manager) autoConnect(peripherals []Peripheral) {
	m.setState(StateScanning)
	address, _, matched, err := m.scanForMatch(peripherals)
	if err != nil {
		m.setState(StateDisconnected)
		return
	}

	m.setState(StateConnecting)
	link, err := m.connectTo(address)
	if err != nil {
		log.Printf("BT_MGR: auto-connect to %s failed: %v", address, err)
		m.setState(StateDisconnected)
		return
	}

	m.mu.Lock()
	m.link = link
	m.rememberedAddress = address
	m.rememberedID = matched.ID
	m.mu.Unlock()
	m.events <- linkEvent{kind: evConnected, address: address, registeredID: matched.ID}
}

// sendTimeSync writes the timezone-adjusted epoch timestamp as a UTF-8
// decimal string, once per new connection.
func (m *Manager) sendTimeSync() error {
	link, err := m.ActiveLink()
	if err != nil {
		return err
	}

	now := time.Now()
	_, offset := now.Zone()
	adjusted := now.Unix() + int64(offset)
	if err := link.WriteTimeSync([]byte(strconv.FormatInt(adjusted, 10))); err != nil {
		return err
	}

	if m.hub != nil {
		m.hub.Broadcast(utils.WebSocketEvent{
			Type:    utils.EventTimeSyncSent,
			Payload: utils.ConnectionPayload{Address: link.Address(), Timestamp: adjusted},
		})
	}
	return nil
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// formatDevicePath renders the BlueZ object path for a device address.
func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}
