package core

import (
	"time"

	"github.com/permissionlesstech/meshcore/internal/capacity"
	"github.com/permissionlesstech/meshcore/internal/collision"
	"github.com/permissionlesstech/meshcore/internal/gatt"
	"github.com/permissionlesstech/meshcore/internal/health"
	"github.com/permissionlesstech/meshcore/internal/transport"
)

// Config reúne todos os tunáveis de spec.md §6 "Configuration (recognised
// options)" em um único struct, no estilo dos parâmetros de construtor de
// BluetoothMeshService do repositório original.
type Config struct {
	ServiceUUID              string
	MessageCharacteristicUUID string

	PowerMode capacity.PowerMode

	ConnectTimeout time.Duration
	ScanTimeout    time.Duration

	DefaultTTL  uint8
	MTUFallback int
	MaxMTU      int

	DeferredTeardown     time.Duration
	InboundViabilityWait time.Duration

	PeripheralNotifyWait time.Duration

	HealthCheckMinInterval time.Duration
	HealthCheckMaxInterval time.Duration
	HealthCheckInterval    time.Duration
	MaxReconnectAttempts   int

	// TickInterval é o passo do laço de eventos do núcleo entre verificações
	// de timers (desmonte adiado expirado, HealthMonitor.Tick) — não faz
	// parte de spec.md §6, é puramente um detalhe de implementação do
	// laço de eventos de escritor único.
	TickInterval time.Duration
}

// DefaultConfig retorna os defaults de spec.md §6, no estilo de
// newMessageCache(...)/DefaultRoutingConfig() do repositório original:
// constantes nomeadas, sem leitura de ambiente ou arquivo.
func DefaultConfig(serviceUUID, characteristicUUID string) Config {
	return Config{
		ServiceUUID:               serviceUUID,
		MessageCharacteristicUUID: characteristicUUID,
		PowerMode:                 capacity.Balanced,
		ConnectTimeout:            20 * time.Second,
		ScanTimeout:               8 * time.Second,
		DefaultTTL:                7,
		MTUFallback:               20,
		MaxMTU:                    517,
		DeferredTeardown:          1500 * time.Millisecond,
		InboundViabilityWait:      2500 * time.Millisecond,
		PeripheralNotifyWait:      1200 * time.Millisecond,
		HealthCheckMinInterval:    3000 * time.Millisecond,
		HealthCheckMaxInterval:    30000 * time.Millisecond,
		HealthCheckInterval:       5000 * time.Millisecond,
		MaxReconnectAttempts:      5,
		TickInterval:              250 * time.Millisecond,
	}
}

func (c Config) gattConfig() gatt.Config {
	cfg := gatt.DefaultConfig(c.ServiceUUID, c.MessageCharacteristicUUID)
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.MaxMTU = c.MaxMTU
	cfg.MTUFallback = c.MTUFallback
	return cfg
}

func (c Config) collisionConfig() collision.Config {
	cfg := collision.DefaultConfig()
	cfg.DeferredTeardown = c.DeferredTeardown
	cfg.InboundViabilityWait = c.InboundViabilityWait
	return cfg
}

func (c Config) transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.DefaultTTL = c.DefaultTTL
	cfg.MTUDefault = c.MaxMTU
	cfg.PeripheralNotifyWait = c.PeripheralNotifyWait
	return cfg
}

func (c Config) healthConfig() health.Config {
	cfg := health.DefaultConfig()
	cfg.MinInterval = c.HealthCheckMinInterval
	cfg.MaxInterval = c.HealthCheckMaxInterval
	cfg.HealthCheckInterval = c.HealthCheckInterval
	cfg.MaxAttempts = c.MaxReconnectAttempts
	cfg.ScanTimeout = c.ScanTimeout
	return cfg
}
