// Package driver define a capacidade abstrata de um driver BLE que o
// núcleo de conexão consome: descoberta, conexão, GATT, advertising e os
// eventos de driver que alimentam o laço de eventos de internal/core.
//
// Grounded em internal/bluetooth/linux_adapter.go do repositório original
// (LinuxBluetoothAdapter), cuja API concreta — StartScanning, StopScanning,
// StartAdvertising, StopAdvertising, SendData, SetOnDataReceived — é
// generalizada aqui em uma interface que qualquer pilha BLE de plataforma
// pode implementar, e da qual internal/driver/bluez é a implementação
// concreta para Linux e internal/driver/fake é o duplo de testes.
package driver

import (
	"context"
	"errors"
)

// PeerAddress é o mesmo identificador opaco de endereço usado por
// internal/ledger; o driver nunca interpreta seu conteúdo.
type PeerAddress = string

// WriteType espelha os dois modos de escrita GATT do ATT.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
)

// Characteristic descreve uma característica GATT descoberta.
type Characteristic struct {
	UUID   string
	Notify bool
}

// Service descreve um serviço GATT descoberto e suas características.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Advertisement descreve o anúncio BLE publicado no papel de periférico.
type Advertisement struct {
	ServiceUUIDs []string
	LocalName    string
	ServiceData  map[string][]byte
}

// AdapterState é o estado de energia do adaptador BLE local.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOff
	AdapterPoweredOn
)

// EventKind identifica a variante de um Event — um sum type marcado por
// tag explícita em vez de uma árvore de interfaces, na mesma linha dos
// frames de fio de internal/wire.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDiscovered
	EventCharacteristicNotified
	EventCentralConnected
	EventCentralDisconnected
	EventCharacteristicSubscribed
	EventServerMtuUpdated
)

// Event é a união marcada de todos os eventos que o driver pode emitir.
// Apenas os campos relevantes à Kind estão preenchidos; os demais ficam
// no valor zero.
type Event struct {
	Kind           EventKind
	Peer           PeerAddress
	State          AdapterState
	RSSI           int
	Characteristic string
	Value          []byte
	MTU            int
}

var (
	// ErrNotConnected indica que a operação exige um peer conectado.
	ErrNotConnected = errors.New("driver: peer não conectado")
	// ErrPeerNotFound indica que o endereço não corresponde a um peer conhecido.
	ErrPeerNotFound = errors.New("driver: peer não encontrado")
	// ErrServiceNotFound indica que o serviço requisitado não foi descoberto.
	ErrServiceNotFound = errors.New("driver: serviço não encontrado")
	// ErrCharacteristicNotFound indica que a característica requisitada não foi descoberta.
	ErrCharacteristicNotFound = errors.New("driver: característica não encontrada")
	// ErrTimeout indica que a operação excedeu seu prazo.
	ErrTimeout = errors.New("driver: tempo limite excedido")
	// ErrAdapterNotReady indica que o adaptador local não está ligado/pronto.
	ErrAdapterNotReady = errors.New("driver: adaptador não está pronto")
)

// Driver é a capacidade BLE abstrata consumida pelo núcleo de conexão —
// spec.md §6, "BLE driver capability (consumed)" reproduzida verbatim
// como uma interface Go.
type Driver interface {
	StartDiscovery(ctx context.Context, serviceUUIDs []string) error
	StopDiscovery(ctx context.Context) error

	Connect(ctx context.Context, peer PeerAddress) error
	Disconnect(ctx context.Context, peer PeerAddress) error

	DiscoverGATT(ctx context.Context, peer PeerAddress) ([]Service, error)
	RequestMTU(ctx context.Context, peer PeerAddress, mtu int) (int, error)
	GetMaxWriteLength(ctx context.Context, peer PeerAddress, writeType WriteType) (int, error)
	WriteCharacteristic(ctx context.Context, peer PeerAddress, characteristic string, value []byte, writeType WriteType) error
	SetNotifyState(ctx context.Context, peer PeerAddress, characteristic string, enabled bool) error

	StartAdvertising(ctx context.Context, adv Advertisement) error
	StopAdvertising(ctx context.Context) error
	NotifyCharacteristic(ctx context.Context, central PeerAddress, characteristic string, value []byte) error
	DisconnectCentral(ctx context.Context, central PeerAddress) error

	// Events retorna o canal de eventos do driver. O consumidor (internal/core.Node)
	// é o único leitor e deve processar cada evento até o fim antes do próximo,
	// preservando a linearizabilidade exigida por spec.md §5.
	Events() <-chan Event
}

// IsTransient é o predicado injetado que o GattController consulta para
// decidir se um erro de conexão justifica nova tentativa. O padrão trata
// timeouts e indisponibilidade momentânea do adaptador como transitórios;
// qualquer outro driver concreto pode fornecer um predicado mais preciso
// para os códigos de erro de sua pilha.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrAdapterNotReady)
}
