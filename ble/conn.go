// Package ble implements the chunked transport: a BLE GATT link to the camera,
// writing requests to the command characteristic in MTU-sized chunks and
// receiving responses as notification payloads.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/hypoxic/insta360-ble-api/camlink"
	"github.com/hypoxic/insta360-ble-api/logger"
)

// GATT identifiers of the camera's command service.
var (
	// ServiceUUID identifies the camera command service advertised by the camera.
	ServiceUUID = bluetooth.New16BitUUID(0xBE80)
	// WriteCharUUID identifies the characteristic requests are written to.
	WriteCharUUID = bluetooth.New16BitUUID(0xBE81)
	// NotifyCharUUID identifies the characteristic responses arrive on.
	NotifyCharUUID = bluetooth.New16BitUUID(0xBE82)
)

// notifyBufSize is the capacity of the notification queue between the GATT
// callback and Recv. Chunks arriving while the queue is full are dropped, which
// surfaces later as a reassembly failure.
const notifyBufSize = 64

// Transport is a chunked transport over BLE GATT. Each notification payload is
// one chunk; a frame larger than the MTU arrives as several chunks and a
// notification may also carry several coalesced frames.
type Transport struct {
	adapter     *bluetooth.Adapter
	address     string
	scanTimeout time.Duration
	logger      logger.Logger

	writeMu    sync.Mutex
	device     bluetooth.Device
	writeChar  bluetooth.DeviceCharacteristic
	notifyChar bluetooth.DeviceCharacteristic
	chunkSize  int

	notifyChan chan []byte
	closedChan chan struct{}
	connected  atomic.Bool
	closed     atomic.Bool
}

// New creates an unconnected chunked transport. The device address in cfg is
// optional; when empty the first camera advertising the command service wins.
func New(cfg *camlink.Config) *Transport {
	return &Transport{
		adapter:     bluetooth.DefaultAdapter,
		address:     cfg.DeviceAddress(),
		scanTimeout: cfg.ScanTimeout(),
		logger:      cfg.Logger(),
		notifyChan:  make(chan []byte, notifyBufSize),
		closedChan:  make(chan struct{}),
	}
}

// Connect enables the adapter, scans for the camera, connects, discovers the
// command service characteristics and subscribes to notifications.
//
// Scanning is bounded by the scan timeout; no matching advertisement within it
// fails with ErrDeviceNotFound.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return camlink.ErrConnectionClosed
	}

	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %s", camlink.ErrConnectFailed, err)
	}

	result, err := t.scan(ctx)
	if err != nil {
		return err
	}

	t.logger.Debug("camera found", "address", result.Address.String(), "name", result.LocalName())

	device, err := t.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("%w: %s", camlink.ErrConnectFailed, err)
	}

	if err := t.discover(device); err != nil {
		_ = device.Disconnect()
		return err
	}

	t.device = device
	t.connected.Store(true)

	return nil
}

// scan looks for an advertisement matching the configured address, or any device
// advertising the command service when no address is configured.
//
// Adapter.Scan blocks until StopScan is called, so it runs on its own goroutine
// and the timeout and cancellation paths must stop the scan to unwind it.
func (t *Transport) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	resultChan := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !t.match(result) {
				return
			}

			select {
			case resultChan <- result:
				adapter.StopScan()
			default:
			}
		})
	}()

	return awaitScan(ctx, resultChan, scanDone, t.scanTimeout, func() {
		_ = t.adapter.StopScan()
	})
}

// awaitScan waits for the first matching advertisement, the scan goroutine's
// exit, the scan timeout, or cancellation, whichever comes first. stop is
// invoked on the timeout and cancellation paths so the blocked Scan call
// returns instead of leaking.
func awaitScan(
	ctx context.Context,
	results <-chan bluetooth.ScanResult,
	scanDone <-chan error,
	timeout time.Duration,
	stop func(),
) (bluetooth.ScanResult, error) {
	select {
	case result := <-results:
		return result, nil

	case err := <-scanDone:
		if err == nil {
			// the scan stopped on its own; a match may have raced the stop
			select {
			case result := <-results:
				return result, nil
			default:
			}

			return bluetooth.ScanResult{}, fmt.Errorf("%w: scan stopped without a match",
				camlink.ErrDeviceNotFound)
		}

		return bluetooth.ScanResult{}, fmt.Errorf("%w: scan: %s", camlink.ErrConnectFailed, err)

	case <-time.After(timeout):
		stop()
		return bluetooth.ScanResult{}, fmt.Errorf("%w: no camera advertisement within %s",
			camlink.ErrDeviceNotFound, timeout)

	case <-ctx.Done():
		stop()
		return bluetooth.ScanResult{}, fmt.Errorf("%w: %s", camlink.ErrDeviceNotFound, ctx.Err())
	}
}

func (t *Transport) match(result bluetooth.ScanResult) bool {
	if t.address != "" {
		return strings.EqualFold(result.Address.String(), t.address)
	}

	return result.HasServiceUUID(ServiceUUID)
}

// discover resolves the command service characteristics and subscribes to the
// notification characteristic.
func (t *Transport) discover(device bluetooth.Device) error {
	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("%w: command service not found: %v", camlink.ErrConnectFailed, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{WriteCharUUID, NotifyCharUUID})
	if err != nil {
		return fmt.Errorf("%w: discover characteristics: %s", camlink.ErrConnectFailed, err)
	}

	var haveWrite, haveNotify bool

	for _, char := range chars {
		switch char.UUID() {
		case WriteCharUUID:
			t.writeChar = char
			haveWrite = true
		case NotifyCharUUID:
			t.notifyChar = char
			haveNotify = true
		}
	}

	if !haveWrite || !haveNotify {
		return fmt.Errorf("%w: command characteristics not found", camlink.ErrConnectFailed)
	}

	t.chunkSize = fallbackChunkSize
	if mtu, err := t.writeChar.GetMTU(); err == nil && int(mtu) > 3 {
		t.chunkSize = int(mtu) - 3
	}

	if err := t.notifyChar.EnableNotifications(t.onNotify); err != nil {
		return fmt.Errorf("%w: enable notifications: %s", camlink.ErrConnectFailed, err)
	}

	return nil
}

// onNotify is the GATT notification callback. The stack owns buf, so the chunk
// is copied before it crosses into the session.
//
// A full queue is fatal: losing a chunk tears the byte stream mid-frame, and
// with no checksum or resync marker the remainder would be silently misframed,
// so the link is closed instead.
func (t *Transport) onNotify(buf []byte) {
	chunk := make([]byte, len(buf))
	copy(chunk, buf)

	select {
	case t.notifyChan <- chunk:
	case <-t.closedChan:
	default:
		t.logger.Error("notification queue full, stream torn, dropping link", "size", len(chunk))
		go func() { _ = t.Close() }()
	}
}

// Send writes p to the command characteristic, split into MTU-sized chunks.
// The camera reassembles writes by the frame length in the header, so chunk
// boundaries carry no meaning.
func (t *Transport) Send(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() || !t.connected.Load() {
		return camlink.ErrConnectionClosed
	}

	for _, chunk := range splitChunks(p, t.chunkSize) {
		if _, err := t.writeChar.WriteWithoutResponse(chunk); err != nil {
			return fmt.Errorf("%w: %s", camlink.ErrWriteFailed, err)
		}
	}

	return nil
}

// Recv returns the next notification chunk.
func (t *Transport) Recv() ([]byte, error) {
	select {
	case chunk := <-t.notifyChan:
		return chunk, nil
	case <-t.closedChan:
		return nil, camlink.ErrConnectionClosed
	}
}

// Close disconnects from the camera. It is idempotent; closing an unconnected
// transport is a no-op.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(t.closedChan)

	if t.connected.CompareAndSwap(true, false) {
		if err := t.device.Disconnect(); err != nil {
			t.logger.Debug("ble disconnect failed", "error", err)
		}
	}

	return nil
}

// Info describes the transport endpoint.
func (t *Transport) Info() string {
	if t.address != "" {
		return "ble://" + t.address
	}

	return "ble://" + ServiceUUID.String()
}
