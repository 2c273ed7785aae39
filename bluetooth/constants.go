package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_GATT_CHAR_IFACE   = "org.bluez.GattCharacteristic1"
	BLUEZ_OBJECT_PATH       = "/org/bluez"
)

const (
	// Tempo GATT service and channel UUIDs (must match the firmware)
	TempoServiceUUID  = "7a0b1000-4e67-44d2-9b31-c8e6a2f10001"
	ConfigCharUUID    = "7a0b1001-4e67-44d2-9b31-c8e6a2f10001" // length header + payload chunks
	StatusCharUUID    = "7a0b1002-4e67-44d2-9b31-c8e6a2f10001" // 1-byte ingest result
	CommandCharUUID   = "7a0b1003-4e67-44d2-9b31-c8e6a2f10001" // request/response exchange
	TimeSyncCharUUID  = "7a0b1004-4e67-44d2-9b31-c8e6a2f10001" // epoch-seconds string
	ResponseTermByte  = '\n'

	// Peripheral advertising name prefix
	DeviceNamePrefix = "Tempo"
)

const (
	// A single link write frame carries at most this many payload bytes.
	MaxChunkSize = 480

	// Peripheral buffer settle time after the header and between chunks.
	ChunkDelay = 100 * time.Millisecond

	// Connection timing
	ConnectTimeout    = 15 * time.Second
	CommandTimeout    = 3 * time.Second
	CommandTimeoutMax = 5 * time.Second // final retry
	CommandRetries    = 2               // retries after the first send
	KeepAliveInterval = 5 * time.Second
	VerifyInterval    = 30 * time.Second
	DiscoveryInterval = 30 * time.Second
	ScanDuration      = 5 * time.Second

	// Link mutual-exclusion lease
	LockTTL = 15 * time.Second
)

// Connection manager states
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateScanning     ConnState = "scanning"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)
