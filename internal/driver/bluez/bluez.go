// Package bluez é a implementação concreta de internal/driver.Driver para
// Linux, sobre BlueZ via D-Bus usando github.com/muka/go-bluetooth.
//
// Grounded em internal/bluetooth/linux_adapter.go (LinuxBluetoothAdapter)
// e internal/bluetooth/mesh_linux.go (LinuxMeshProvider) do repositório
// original: mesmo padrão de obter o adaptador padrão, configurar filtro de
// descoberta por UUID de serviço, processar o canal de eventos de
// api.Discover em uma goroutine, e expor advertising via
// api.ExposeAdvertisement. A diferença é que aqui cada evento do BlueZ é
// traduzido para um driver.Event e publicado em um canal único, em vez de
// ser tratado inline por um callback — para caber na interface
// driver.Driver de escritor único consumida por internal/core.Node.
package bluez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"

	meshdriver "github.com/permissionlesstech/meshcore/internal/driver"
)

// Driver é a implementação concreta de internal/driver.Driver para Linux.
type Driver struct {
	log *logrus.Entry

	adapter *adapter.Adapter1
	adMgr   *advertising.LEAdvertisingManager1

	mu      sync.RWMutex
	devices map[meshdriver.PeerAddress]*device.Device1
	chars   map[meshdriver.PeerAddress]map[string]*gatt.GattCharacteristic1

	events chan meshdriver.Event

	advertisementCleanup func()

	ctx    context.Context
	cancel context.CancelFunc
}

// New cria um Driver atado ao adaptador Bluetooth padrão do sistema.
func New(log *logrus.Entry) (*Driver, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("bluez: erro ao obter adaptador: %w", err)
	}

	powered, err := a.GetPowered()
	if err != nil {
		return nil, fmt.Errorf("bluez: erro ao verificar estado do adaptador: %w", err)
	}
	if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("bluez: erro ao ligar adaptador: %w", err)
		}
	}

	adMgr, err := advertising.NewLEAdvertisingManager1(a.Path())
	if err != nil {
		return nil, fmt.Errorf("bluez: erro ao obter gerenciador de advertising: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Driver{
		log:     log.WithField("component", "driver.bluez"),
		adapter: a,
		adMgr:   adMgr,
		devices: make(map[meshdriver.PeerAddress]*device.Device1),
		chars:   make(map[meshdriver.PeerAddress]map[string]*gatt.GattCharacteristic1),
		events:  make(chan meshdriver.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}

	go d.watchAdapterState()

	return d, nil
}

func (d *Driver) watchAdapterState() {
	powered, err := d.adapter.GetPowered()
	state := meshdriver.AdapterPoweredOff
	if err == nil && powered {
		state = meshdriver.AdapterPoweredOn
	}
	d.events <- meshdriver.Event{Kind: meshdriver.EventStateChanged, State: state}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := state
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			powered, err := d.adapter.GetPowered()
			if err != nil {
				continue
			}
			cur := meshdriver.AdapterPoweredOff
			if powered {
				cur = meshdriver.AdapterPoweredOn
			}
			if cur != last {
				last = cur
				d.events <- meshdriver.Event{Kind: meshdriver.EventStateChanged, State: cur}
			}
		}
	}
}

func (d *Driver) Events() <-chan meshdriver.Event {
	return d.events
}

func (d *Driver) StartDiscovery(ctx context.Context, serviceUUIDs []string) error {
	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	filter.UUIDs = serviceUUIDs
	if err := d.adapter.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("bluez: erro ao configurar filtro de descoberta: %w", err)
	}

	discovery, cancel, err := api.Discover(d.adapter, nil)
	if err != nil {
		return fmt.Errorf("bluez: erro ao iniciar descoberta: %w", err)
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-d.ctx.Done():
				return
			case ev, ok := <-discovery:
				if !ok {
					return
				}
				d.handleDiscoveryEvent(ev, serviceUUIDs)
			}
		}
	}()

	return nil
}

func (d *Driver) handleDiscoveryEvent(ev adapter.DeviceDiscovered, serviceUUIDs []string) {
	if ev.Type == adapter.DeviceRemoved {
		return
	}
	if ev.Type != adapter.DeviceAdded {
		return
	}

	dev, err := device.NewDevice1(ev.Path)
	if err != nil {
		d.log.WithError(err).Warn("erro ao criar objeto de dispositivo")
		return
	}

	uuids, err := dev.GetUUIDs()
	if err != nil || !containsAny(uuids, serviceUUIDs) {
		return
	}

	addr, err := dev.GetAddress()
	if err != nil {
		return
	}

	rssi, _ := dev.GetRSSI()

	d.mu.Lock()
	d.devices[addr] = dev
	d.mu.Unlock()

	d.events <- meshdriver.Event{Kind: meshdriver.EventDiscovered, Peer: addr, RSSI: int(rssi)}
}

func (d *Driver) StopDiscovery(ctx context.Context) error {
	if err := d.adapter.StopDiscovery(); err != nil {
		return fmt.Errorf("bluez: erro ao parar descoberta: %w", err)
	}
	return nil
}

func (d *Driver) device(addr meshdriver.PeerAddress) (*device.Device1, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[addr]
	if !ok {
		return nil, meshdriver.ErrPeerNotFound
	}
	return dev, nil
}

func (d *Driver) Connect(ctx context.Context, addr meshdriver.PeerAddress) error {
	dev, err := d.device(addr)
	if err != nil {
		return err
	}
	if err := dev.Connect(); err != nil {
		return fmt.Errorf("bluez: erro ao conectar: %w", err)
	}

	go d.watchCentralConnection(addr, dev)
	return nil
}

// watchCentralConnection observa a propriedade Connected de um dispositivo
// central que nós discamos e publica CentralConnected/CentralDisconnected
// quando ela muda — o BlueZ entrega isso como PropertiesChanged, simplificado
// aqui em um polling curto tal como o adaptador original fazia em SendData.
func (d *Driver) watchCentralConnection(addr meshdriver.PeerAddress, dev *device.Device1) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	wasConnected := false
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			connected, err := dev.GetConnected()
			if err != nil {
				return
			}
			if connected && !wasConnected {
				wasConnected = true
				d.events <- meshdriver.Event{Kind: meshdriver.EventCentralConnected, Peer: addr}
			}
			if !connected && wasConnected {
				d.events <- meshdriver.Event{Kind: meshdriver.EventCentralDisconnected, Peer: addr}
				return
			}
		}
	}
}

func (d *Driver) Disconnect(ctx context.Context, addr meshdriver.PeerAddress) error {
	dev, err := d.device(addr)
	if err != nil {
		return err
	}
	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("bluez: erro ao desconectar: %w", err)
	}
	return nil
}

func (d *Driver) DisconnectCentral(ctx context.Context, central meshdriver.PeerAddress) error {
	return d.Disconnect(ctx, central)
}

func (d *Driver) DiscoverGATT(ctx context.Context, addr meshdriver.PeerAddress) ([]meshdriver.Service, error) {
	dev, err := d.device(addr)
	if err != nil {
		return nil, err
	}

	connected, err := dev.GetConnected()
	if err != nil || !connected {
		return nil, meshdriver.ErrNotConnected
	}

	uuids, err := dev.GetUUIDs()
	if err != nil {
		return nil, fmt.Errorf("bluez: erro ao listar serviços: %w", err)
	}

	services := make([]meshdriver.Service, 0, len(uuids))
	charTable := make(map[string]*gatt.GattCharacteristic1)

	for _, svcUUID := range uuids {
		svc, err := dev.GetCharsByUUID(svcUUID)
		if err != nil {
			continue
		}
		var chars []meshdriver.Characteristic
		for charUUID, gc := range svc {
			flags, _ := gc.GetProperty("Flags")
			notify := false
			if fs, ok := flags.([]string); ok {
				for _, f := range fs {
					if f == "notify" || f == "indicate" {
						notify = true
					}
				}
			}
			chars = append(chars, meshdriver.Characteristic{UUID: charUUID, Notify: notify})
			charTable[charUUID] = gc
		}
		services = append(services, meshdriver.Service{UUID: svcUUID, Characteristics: chars})
	}

	d.mu.Lock()
	d.chars[addr] = charTable
	d.mu.Unlock()

	return services, nil
}

func (d *Driver) RequestMTU(ctx context.Context, addr meshdriver.PeerAddress, mtu int) (int, error) {
	dev, err := d.device(addr)
	if err != nil {
		return 0, err
	}
	negotiated, err := dev.GetProperty("MTU")
	if err != nil {
		return 0, fmt.Errorf("bluez: erro ao negociar MTU: %w", err)
	}
	if v, ok := negotiated.(uint16); ok {
		return int(v), nil
	}
	return mtu, nil
}

func (d *Driver) GetMaxWriteLength(ctx context.Context, addr meshdriver.PeerAddress, writeType meshdriver.WriteType) (int, error) {
	dev, err := d.device(addr)
	if err != nil {
		return 0, err
	}
	mtu, err := dev.GetProperty("MTU")
	if err != nil {
		return 0, fmt.Errorf("bluez: erro ao consultar MTU: %w", err)
	}
	if v, ok := mtu.(uint16); ok {
		return int(v), nil
	}
	return 0, meshdriver.ErrTimeout
}

func (d *Driver) characteristic(addr meshdriver.PeerAddress, uuid string) (*gatt.GattCharacteristic1, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	table, ok := d.chars[addr]
	if !ok {
		return nil, meshdriver.ErrServiceNotFound
	}
	gc, ok := table[uuid]
	if !ok {
		return nil, meshdriver.ErrCharacteristicNotFound
	}
	return gc, nil
}

func (d *Driver) WriteCharacteristic(ctx context.Context, addr meshdriver.PeerAddress, characteristic string, value []byte, writeType meshdriver.WriteType) error {
	gc, err := d.characteristic(addr, characteristic)
	if err != nil {
		return err
	}
	opts := map[string]interface{}{}
	if writeType == meshdriver.WriteWithoutResponse {
		opts["type"] = "command"
	} else {
		opts["type"] = "request"
	}
	if err := gc.WriteValue(value, opts); err != nil {
		return fmt.Errorf("bluez: erro ao escrever característica: %w", err)
	}
	return nil
}

func (d *Driver) SetNotifyState(ctx context.Context, addr meshdriver.PeerAddress, characteristic string, enabled bool) error {
	gc, err := d.characteristic(addr, characteristic)
	if err != nil {
		return err
	}
	if enabled {
		if err := gc.StartNotify(); err != nil {
			return fmt.Errorf("bluez: erro ao habilitar notificações: %w", err)
		}
		go d.watchNotifications(addr, characteristic, gc)
		return nil
	}
	if err := gc.StopNotify(); err != nil {
		return fmt.Errorf("bluez: erro ao desabilitar notificações: %w", err)
	}
	return nil
}

func (d *Driver) watchNotifications(addr meshdriver.PeerAddress, characteristic string, gc *gatt.GattCharacteristic1) {
	ch, err := gc.WatchProperties()
	if err != nil {
		d.log.WithError(err).Warn("erro ao observar propriedades da característica")
		return
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if change.Interface != "org.bluez.GattCharacteristic1" || change.Name != "Value" {
				continue
			}
			if value, ok := change.Value.([]byte); ok {
				d.events <- meshdriver.Event{
					Kind:           meshdriver.EventCharacteristicNotified,
					Peer:           addr,
					Characteristic: characteristic,
					Value:          value,
				}
			}
		}
	}
}

func (d *Driver) StartAdvertising(ctx context.Context, adv meshdriver.Advertisement) error {
	serviceData := make(map[string]interface{}, len(adv.ServiceData))
	for uuid, data := range adv.ServiceData {
		serviceData[uuid] = data
	}

	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypeBroadcast,
		ServiceUUIDs: adv.ServiceUUIDs,
		LocalName:    adv.LocalName,
		ServiceData:  serviceData,
		Includes:     []string{advertising.SupportedIncludesTxPower},
	}

	adapterID, err := d.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("bluez: erro ao obter id do adaptador: %w", err)
	}

	cleanup, err := api.ExposeAdvertisement(adapterID, props, 0)
	if err != nil {
		return fmt.Errorf("bluez: erro ao expor anúncio: %w", err)
	}
	d.advertisementCleanup = cleanup
	return nil
}

func (d *Driver) StopAdvertising(ctx context.Context) error {
	if d.advertisementCleanup == nil {
		return nil
	}
	d.advertisementCleanup()
	d.advertisementCleanup = nil
	return nil
}

func (d *Driver) NotifyCharacteristic(ctx context.Context, central meshdriver.PeerAddress, characteristic string, value []byte) error {
	gc, err := d.characteristic(central, characteristic)
	if err != nil {
		return err
	}
	if err := gc.SetProperty("Value", value); err != nil {
		return fmt.Errorf("bluez: erro ao notificar característica: %w", err)
	}
	return nil
}

// Close encerra as goroutinas de observação e fecha o canal de eventos.
func (d *Driver) Close() {
	d.cancel()
	close(d.events)
}

func containsAny(haystack, needles []string) bool {
	for _, n := range needles {
		for _, h := range haystack {
			if h == n {
				return true
			}
		}
	}
	return false
}
