// Package fake implementa um driver BLE em memória que satisfaz
// internal/driver.Driver sem hardware ou D-Bus, para exercitar
// GattController, CapacityEnforcer, HealthMonitor, CollisionResolver e
// TransportQueue em testes determinísticos.
//
// Não há equivalente direto no repositório original — nenhum teste ali
// exercita o adaptador BLE de verdade. A estrutura de bookkeeping (um mapa
// de endereço para estado de peer) segue o padrão
// LinuxBluetoothAdapter.devices de internal/bluetooth/linux_adapter.go,
// trocando sync.RWMutex por um mutex simples já que este duplo também
// precisa ser seguro para os testes injetarem eventos de outra goroutine
// enquanto o núcleo os consome.
package fake

import (
	"context"
	"sync"

	"github.com/permissionlesstech/meshcore/internal/driver"
)

// WriteRecord registra uma chamada a WriteCharacteristic para asserções de teste.
type WriteRecord struct {
	Peer           driver.PeerAddress
	Characteristic string
	Value          []byte
	WriteType      driver.WriteType
}

// NotifyRecord registra uma chamada a NotifyCharacteristic.
type NotifyRecord struct {
	Central        driver.PeerAddress
	Characteristic string
	Value          []byte
}

type peerState struct {
	connected     bool
	mtu           int
	maxWrite      int
	services      []driver.Service
	subscribed    map[string]bool
	connectErr    error
	discoverErr   error
	discoverCalls int
}

// Driver é o duplo de testes. O valor zero não é utilizável; use New.
type Driver struct {
	mu sync.Mutex

	events chan driver.Event
	peers  map[driver.PeerAddress]*peerState

	writes  []WriteRecord
	notifys []NotifyRecord

	discovering  bool
	advertising  bool
	defaultMTU   int
	defaultWrite int
}

// New cria um driver falso vazio. defaultMTU e defaultMaxWrite alimentam
// RequestMTU/GetMaxWriteLength para peers sem configuração explícita.
func New(defaultMTU, defaultMaxWrite int) *Driver {
	return &Driver{
		events:       make(chan driver.Event, 64),
		peers:        make(map[driver.PeerAddress]*peerState),
		defaultMTU:   defaultMTU,
		defaultWrite: defaultMaxWrite,
	}
}

func (d *Driver) peer(addr driver.PeerAddress) *peerState {
	p, ok := d.peers[addr]
	if !ok {
		p = &peerState{mtu: d.defaultMTU, maxWrite: d.defaultWrite, subscribed: make(map[string]bool)}
		d.peers[addr] = p
	}
	return p
}

// --- test configuration helpers ---

// SetServices presets the GATT service table DiscoverGATT returns for peer.
func (d *Driver) SetServices(addr driver.PeerAddress, services []driver.Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer(addr).services = services
}

// SetConnectError forces Connect(addr) to fail with err until cleared (nil).
func (d *Driver) SetConnectError(addr driver.PeerAddress, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer(addr).connectErr = err
}

// SetDiscoverError forces DiscoverGATT(addr) to fail with err until cleared.
func (d *Driver) SetDiscoverError(addr driver.PeerAddress, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer(addr).discoverErr = err
}

// SetMaxWriteLength overrides the max single-write length reported for addr.
func (d *Driver) SetMaxWriteLength(addr driver.PeerAddress, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer(addr).maxWrite = n
}

// Emit pushes a driver event as if it arrived from the adapter. Tests use
// this to simulate CentralConnected, CharacteristicNotified, and so on.
func (d *Driver) Emit(ev driver.Event) {
	d.events <- ev
}

// Writes returns all WriteCharacteristic calls observed so far.
func (d *Driver) Writes() []WriteRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WriteRecord, len(d.writes))
	copy(out, d.writes)
	return out
}

// Notifications returns all NotifyCharacteristic calls observed so far.
func (d *Driver) Notifications() []NotifyRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NotifyRecord, len(d.notifys))
	copy(out, d.notifys)
	return out
}

// IsAdvertising reports whether StartAdvertising is currently active.
func (d *Driver) IsAdvertising() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advertising
}

// IsDiscovering reports whether StartDiscovery is currently active.
func (d *Driver) IsDiscovering() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discovering
}

// --- driver.Driver implementation ---

func (d *Driver) StartDiscovery(ctx context.Context, serviceUUIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovering = true
	return nil
}

func (d *Driver) StopDiscovery(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovering = false
	return nil
}

func (d *Driver) Connect(ctx context.Context, addr driver.PeerAddress) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(addr)
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

func (d *Driver) Disconnect(ctx context.Context, addr driver.PeerAddress) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(addr)
	p.connected = false
	return nil
}

func (d *Driver) DiscoverGATT(ctx context.Context, addr driver.PeerAddress) ([]driver.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(addr)
	p.discoverCalls++
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	if !p.connected {
		return nil, driver.ErrNotConnected
	}
	return p.services, nil
}

// DiscoverCallCount reports how many times DiscoverGATT was called for addr.
func (d *Driver) DiscoverCallCount(addr driver.PeerAddress) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer(addr).discoverCalls
}

func (d *Driver) RequestMTU(ctx context.Context, addr driver.PeerAddress, mtu int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(addr)
	if !p.connected {
		return 0, driver.ErrNotConnected
	}
	if mtu < p.mtu {
		p.mtu = mtu
	}
	return p.mtu, nil
}

func (d *Driver) GetMaxWriteLength(ctx context.Context, addr driver.PeerAddress, writeType driver.WriteType) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer(addr).maxWrite, nil
}

func (d *Driver) WriteCharacteristic(ctx context.Context, addr driver.PeerAddress, characteristic string, value []byte, writeType driver.WriteType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(addr)
	if !p.connected {
		return driver.ErrNotConnected
	}
	stored := append([]byte(nil), value...)
	d.writes = append(d.writes, WriteRecord{Peer: addr, Characteristic: characteristic, Value: stored, WriteType: writeType})
	return nil
}

func (d *Driver) SetNotifyState(ctx context.Context, addr driver.PeerAddress, characteristic string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(addr)
	p.subscribed[characteristic] = enabled
	return nil
}

func (d *Driver) StartAdvertising(ctx context.Context, adv driver.Advertisement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = true
	return nil
}

func (d *Driver) StopAdvertising(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = false
	return nil
}

func (d *Driver) NotifyCharacteristic(ctx context.Context, central driver.PeerAddress, characteristic string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := append([]byte(nil), value...)
	d.notifys = append(d.notifys, NotifyRecord{Central: central, Characteristic: characteristic, Value: stored})
	return nil
}

func (d *Driver) DisconnectCentral(ctx context.Context, central driver.PeerAddress) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peer(central)
	p.connected = false
	return nil
}

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}
