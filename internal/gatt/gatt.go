// Package gatt implementa o GattController: as operações por discagem
// sobre o driver BLE — conectar com retentativa, sondar o MTU ótimo,
// descobrir a característica de mensagens e habilitar notificações.
//
// Grounded em connectToDevice e SendData de
// internal/bluetooth/linux_adapter.go (o padrão de tentar conectar, aguardar
// com um timeout e reportar erro) e no tratamento de MTU/fragmentos de
// internal/bluetooth/mesh_linux.go, generalizados aqui para operar através
// da interface internal/driver.Driver em vez de tipos concretos do
// go-bluetooth — tornando o controller agnóstico de SO e testável com
// internal/driver/fake.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/driver"
)

var (
	// ErrConnectFailed é retornado quando todas as tentativas de conexão se esgotam.
	ErrConnectFailed = errors.New("gatt: falha ao conectar após retentativas")
	// ErrDiscoveryFailed é retornado quando todas as tentativas de descoberta GATT falham.
	ErrDiscoveryFailed = errors.New("gatt: falha na descoberta de serviços")
	// ErrCharacteristicMissing é retornado quando o serviço foi descoberto mas a característica não.
	ErrCharacteristicMissing = errors.New("gatt: característica de mensagens não encontrada")
)

// Config reúne os tunáveis do GattController definidos em spec.md §6.
type Config struct {
	ConnectAttempts     int
	ConnectTimeout      time.Duration
	RetryBackoff        time.Duration
	DiscoveryAttempts   int
	DiscoverySpacing    time.Duration
	MaxMTU              int
	MTUFallback         int
	NotifySettleDelay   time.Duration
	ServiceUUID         string
	CharacteristicUUID  string
}

// DefaultConfig retorna os tunáveis padrão de spec.md §4.2/§6.
func DefaultConfig(serviceUUID, characteristicUUID string) Config {
	return Config{
		ConnectAttempts:    2,
		ConnectTimeout:     20 * time.Second,
		RetryBackoff:       1200 * time.Millisecond,
		DiscoveryAttempts:  3,
		DiscoverySpacing:   1 * time.Second,
		MaxMTU:             517,
		MTUFallback:        20,
		NotifySettleDelay:  200 * time.Millisecond,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
	}
}

// IsTransientFunc decide se um erro de conexão justifica uma nova tentativa.
type IsTransientFunc func(error) bool

// Controller executa as quatro operações por discagem de spec.md §4.2. Ele
// nunca muta o LinkLedger diretamente — isso cabe ao chamador.
type Controller struct {
	drv         driver.Driver
	cfg         Config
	isTransient IsTransientFunc
	log         *logrus.Entry

	sleep func(time.Duration)
}

// New cria um Controller sobre drv. isTransient pode ser nil, caso em que
// driver.IsTransient é usado.
func New(drv driver.Driver, cfg Config, isTransient IsTransientFunc, log *logrus.Entry) *Controller {
	if isTransient == nil {
		isTransient = driver.IsTransient
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		drv:         drv,
		cfg:         cfg,
		isTransient: isTransient,
		log:         log.WithField("component", "gatt"),
		sleep:       time.Sleep,
	}
}

// ConnectWithRetry tenta conectar a peer até cfg.ConnectAttempts vezes,
// com um timeout por tentativa e uma espera de retentativa em caso de erro
// transitório.
func (c *Controller) ConnectWithRetry(ctx context.Context, peer driver.PeerAddress) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := c.drv.Connect(attemptCtx, peer)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		c.log.WithFields(logrus.Fields{"peer": peer, "attempt": attempt, "err": err}).Warn("connect attempt failed")

		if attempt == c.cfg.ConnectAttempts || !c.isTransient(err) {
			break
		}

		_ = c.drv.Disconnect(ctx, peer)
		c.sleep(c.cfg.RetryBackoff)
	}

	return fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

// DetectOptimalMTU negocia o MTU e retorna o tamanho de escrita seguro —
// clamp(max_write, 20, negociado-3) — ou o fallback conservador em caso de erro.
func (c *Controller) DetectOptimalMTU(ctx context.Context, peer driver.PeerAddress) int {
	negotiated, err := c.drv.RequestMTU(ctx, peer, c.cfg.MaxMTU)
	if err != nil {
		c.log.WithFields(logrus.Fields{"peer": peer, "err": err}).Warn("MTU negotiation failed, using fallback")
		return c.cfg.MTUFallback
	}

	maxWrite, err := c.drv.GetMaxWriteLength(ctx, peer, driver.WriteWithResponse)
	if err != nil {
		c.log.WithFields(logrus.Fields{"peer": peer, "err": err}).Warn("max write length query failed, using fallback")
		return c.cfg.MTUFallback
	}

	return clamp(maxWrite, c.cfg.MTUFallback, negotiated-3)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DiscoverMessageCharacteristic localiza o serviço e a característica de
// mensagens, tentando até cfg.DiscoveryAttempts vezes.
func (c *Controller) DiscoverMessageCharacteristic(ctx context.Context, peer driver.PeerAddress) (driver.Characteristic, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.DiscoveryAttempts; attempt++ {
		services, err := c.drv.DiscoverGATT(ctx, peer)
		if err != nil {
			lastErr = err
			c.log.WithFields(logrus.Fields{"peer": peer, "attempt": attempt, "err": err}).Warn("GATT discovery failed")
			if attempt < c.cfg.DiscoveryAttempts {
				c.sleep(c.cfg.DiscoverySpacing)
			}
			continue
		}

		found := false
		for _, svc := range services {
			if svc.UUID != c.cfg.ServiceUUID {
				continue
			}
			found = true
			for _, ch := range svc.Characteristics {
				if ch.UUID == c.cfg.CharacteristicUUID {
					return ch, nil
				}
			}
			break
		}

		if found {
			lastErr = ErrCharacteristicMissing
			c.log.WithFields(logrus.Fields{"peer": peer, "attempt": attempt}).Warn("service found but message characteristic missing")
		} else {
			lastErr = ErrDiscoveryFailed
		}
		if attempt < c.cfg.DiscoveryAttempts {
			c.sleep(c.cfg.DiscoverySpacing)
		}
	}

	if lastErr == ErrCharacteristicMissing {
		return driver.Characteristic{}, ErrCharacteristicMissing
	}
	return driver.Characteristic{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, lastErr)
}

// EnableNotifications habilita notify na característica se ela o anunciar;
// no-op caso contrário. Aguarda um pequeno intervalo para a pilha remota
// assentar o estado.
func (c *Controller) EnableNotifications(ctx context.Context, peer driver.PeerAddress, ch driver.Characteristic) error {
	if !ch.Notify {
		return nil
	}
	if err := c.drv.SetNotifyState(ctx, peer, ch.UUID, true); err != nil {
		return fmt.Errorf("gatt: erro ao habilitar notificações: %w", err)
	}
	c.sleep(c.cfg.NotifySettleDelay)
	return nil
}
