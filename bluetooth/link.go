package bluetooth

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Link is one established connection to a Tempo peripheral, exposing its
// three logical channels. The sync engine and transport are written against
// this interface so they can run against a fake link in tests.
type Link interface {
	// Address returns the runtime BLE address of the peripheral.
	Address() string
	// Connected reports whether the OS still considers the link up.
	Connected() bool
	// Reconnect makes one attempt to re-establish a dropped link.
	Reconnect() error

	WriteConfig(data []byte) error
	ReadStatus() ([]byte, error)
	WriteCommand(data []byte) error
	ReadResponse() ([]byte, error)
	WriteTimeSync(data []byte) error
}

// gattLink drives a connected peripheral through BlueZ GATT characteristics
// over D-Bus.
type gattLink struct {
	conn         *dbus.Conn
	address      string
	devicePath   dbus.ObjectPath
	configChar   dbus.ObjectPath
	statusChar   dbus.ObjectPath
	commandChar  dbus.ObjectPath
	timeSyncChar dbus.ObjectPath
}

func (l *gattLink) Address() string { return l.address }

func (l *gattLink) Connected() bool {
	deviceObj := l.conn.Object(BLUEZ_BUS_NAME, l.devicePath)
	var connected bool
	err := deviceObj.Call("org.freedesktop.DBus.Properties.Get", 0,
		BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected)
	return err == nil && connected
}

func (l *gattLink) Reconnect() error {
	deviceObj := l.conn.Object(BLUEZ_BUS_NAME, l.devicePath)
	if err := deviceObj.Call("org.bluez.Device1.Connect", 0).Err; err != nil {
		return fmt.Errorf("reconnect to %s failed: %w", l.address, err)
	}
	return nil
}

func (l *gattLink) WriteConfig(data []byte) error   { return l.write(l.configChar, data) }
func (l *gattLink) WriteCommand(data []byte) error  { return l.write(l.commandChar, data) }
func (l *gattLink) WriteTimeSync(data []byte) error { return l.write(l.timeSyncChar, data) }
func (l *gattLink) ReadStatus() ([]byte, error)     { return l.read(l.statusChar) }
func (l *gattLink) ReadResponse() ([]byte, error)   { return l.read(l.commandChar) }

// write issues a write-with-response; BlueZ surfaces the ATT result as the
// call error, which is the only delivery guarantee the protocol relies on.
func (l *gattLink) write(char dbus.ObjectPath, data []byte) error {
	charObj := l.conn.Object(BLUEZ_BUS_NAME, char)
	return charObj.Call(BLUEZ_GATT_CHAR_IFACE+".WriteValue", 0, data,
		map[string]interface{}{}).Err
}

func (l *gattLink) read(char dbus.ObjectPath) ([]byte, error) {
	charObj := l.conn.Object(BLUEZ_BUS_NAME, char)
	var value []byte
	err := charObj.Call(BLUEZ_GATT_CHAR_IFACE+".ReadValue", 0,
		map[string]interface{}{}).Store(&value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// resolveCharacteristics walks the managed-object tree under the device and
// fills in the channel characteristic paths for the Tempo service.
func (l *gattLink) resolveCharacteristics() error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := l.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return fmt.Errorf("failed to get managed objects: %w", err)
	}

	// Find the Tempo service under this device first.
	var servicePath dbus.ObjectPath
	devicePrefix := string(l.devicePath) + "/service"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		svcIface, ok := interfaces["org.bluez.GattService1"]
		if !ok {
			continue
		}
		if uuidVariant, ok := svcIface["UUID"]; ok {
			if uuid, ok := uuidVariant.Value().(string); ok && strings.EqualFold(uuid, TempoServiceUUID) {
				servicePath = path
				break
			}
		}
	}
	if servicePath == "" {
		return fmt.Errorf("tempo service not found on %s", l.address)
	}

	servicePrefix := string(servicePath) + "/char"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), servicePrefix) {
			continue
		}
		charIface, ok := interfaces[BLUEZ_GATT_CHAR_IFACE]
		if !ok {
			continue
		}
		uuidVariant, ok := charIface["UUID"]
		if !ok {
			continue
		}
		uuid, _ := uuidVariant.Value().(string)
		switch {
		case strings.EqualFold(uuid, ConfigCharUUID):
			l.configChar = path
		case strings.EqualFold(uuid, StatusCharUUID):
			l.statusChar = path
		case strings.EqualFold(uuid, CommandCharUUID):
			l.commandChar = path
		case strings.EqualFold(uuid, TimeSyncCharUUID):
			l.timeSyncChar = path
		}
	}

	if l.configChar == "" || l.commandChar == "" {
		return fmt.Errorf("required characteristics missing on %s", l.address)
	}
	// Status and time-sync channels are optional on older firmware.
	return nil
}
