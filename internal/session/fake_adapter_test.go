package session

import (
	"context"
	"errors"
	"sync"

	"github.com/chaz8081/blesense/internal/ble"
)

const (
	testService = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	testChar    = "beefcafe-36e1-4688-b7f5-00000000000b"
	testName    = "ESP32_BLE"
)

var errConnect = errors.New("connect refused")

type fakeChar struct {
	mu sync.Mutex
	cb func([]byte)
}

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

func (c *fakeChar) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = nil
	return nil
}

func (c *fakeChar) notify(payload string) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb([]byte(payload))
	}
}

type fakeConn struct {
	char *fakeChar

	mu           sync.Mutex
	disconnected bool
}

func (c *fakeConn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != testService {
		return nil, ble.ErrServiceNotFound
	}
	if charUUID != testChar {
		return nil, ble.ErrCharacteristicNotFound
	}
	return c.char, nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) OnDisconnect(func()) {}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// fakeAdapter advertises the test peripheral and hands out one connection
// per Connect call.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErrs []error
	conns       []*fakeConn
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(ctx context.Context, onResult func(ble.Advertisement) bool) error {
	if onResult(ble.Advertisement{Name: testName, ID: "AA:BB:CC:DD:EE:FF"}) {
		return nil
	}
	<-ctx.Done()
	return nil
}

func (a *fakeAdapter) Connect(ctx context.Context, id string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{char: &fakeChar{}}
	a.conns = append(a.conns, c)
	return c, nil
}

func (a *fakeAdapter) latest() *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}
