// Package capacity implementa o CapacityEnforcer: o mapeamento de modo de
// energia para capacidade de conexões e o corte FIFO de links mais antigos
// quando uma mudança de modo reduz a capacidade disponível.
//
// Grounded nas constantes BatteryMode{Normal,Low,UltraLow} e no padrão de
// corte FIFO por ReceivedAt de addToMessageCache
// (internal/bluetooth/mesh_service.go no repositório original), estendido
// aqui dos três modos de bateria do teacher para os quatro PowerModes e a
// capacidade tridimensional (cliente/servidor/total) exigidos pelo núcleo.
package capacity

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/driver"
	"github.com/permissionlesstech/meshcore/internal/ledger"
)

// PowerMode é o modo de energia do dispositivo local.
type PowerMode int

const (
	Performance PowerMode = iota
	Balanced
	PowerSaver
	UltraLowPower
)

// Config é a capacidade imutável associada a um PowerMode.
type Config struct {
	MaxClient    int
	MaxServer    int
	MaxTotal     int
	RSSIFloorDBM int
}

// ForMode retorna o Config de mode, conforme a tabela de spec.md §4.3.
func ForMode(mode PowerMode) Config {
	switch mode {
	case Performance:
		return Config{MaxClient: 4, MaxServer: 4, MaxTotal: 8, RSSIFloorDBM: -95}
	case Balanced:
		return Config{MaxClient: 3, MaxServer: 3, MaxTotal: 6, RSSIFloorDBM: -85}
	case PowerSaver:
		return Config{MaxClient: 2, MaxServer: 2, MaxTotal: 3, RSSIFloorDBM: -75}
	case UltraLowPower:
		return Config{MaxClient: 1, MaxServer: 1, MaxTotal: 1, RSSIFloorDBM: -65}
	default:
		return ForMode(Balanced)
	}
}

// Enforcer aplica as regras de admissão e corte de spec.md §4.3 sobre um
// ledger.Ledger, disparando desconexões através de internal/driver.Driver.
type Enforcer struct {
	ledger *ledger.Ledger
	drv    driver.Driver
	log    *logrus.Entry

	mode PowerMode
	cfg  Config
}

// New cria um Enforcer iniciando em mode.
func New(l *ledger.Ledger, drv driver.Driver, mode PowerMode, log *logrus.Entry) *Enforcer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Enforcer{
		ledger: l,
		drv:    drv,
		log:    log.WithField("component", "capacity"),
		mode:   mode,
		cfg:    ForMode(mode),
	}
}

// Mode retorna o PowerMode atual.
func (e *Enforcer) Mode() PowerMode { return e.mode }

// Config retorna o Config atualmente em vigor.
func (e *Enforcer) Config() Config { return e.cfg }

// CanAcceptClient é uma função pura dos contadores atuais contra o Config vigente.
func (e *Enforcer) CanAcceptClient() bool {
	return e.ledger.CanAcceptClient(e.cfg.MaxClient, e.cfg.MaxTotal)
}

// CanAcceptServer é a contraparte de CanAcceptClient para links inbound.
func (e *Enforcer) CanAcceptServer() bool {
	return e.ledger.CanAcceptServer(e.cfg.MaxServer, e.cfg.MaxTotal)
}

// RSSIFloor retorna o piso de RSSI do modo vigente.
func (e *Enforcer) RSSIFloor() int { return e.cfg.RSSIFloorDBM }

// SetMode muda o modo de energia e aplica o corte de capacidade
// correspondente, desconectando os links mais antigos até satisfazer o
// novo Config. Um erro de desconexão durante o corte é logado e a entrada
// do ledger é removida de qualquer forma, para evitar contabilidade
// fantasma; o corte prossegue para o próximo candidato.
func (e *Enforcer) SetMode(ctx context.Context, mode PowerMode) {
	e.mode = mode
	e.cfg = ForMode(mode)
	e.log.WithFields(logrus.Fields{"mode": mode, "max_client": e.cfg.MaxClient, "max_server": e.cfg.MaxServer, "max_total": e.cfg.MaxTotal}).Info("power mode changed")
	e.trimClients(ctx)
	e.trimServers(ctx)
}

func (e *Enforcer) trimClients(ctx context.Context) {
	for e.ledger.CountClients() > e.cfg.MaxClient || e.ledger.CountTotal() > e.cfg.MaxTotal {
		oldest := e.ledger.ClientsByAge()
		if len(oldest) == 0 {
			return
		}
		victim := oldest[0].Address
		if err := e.drv.Disconnect(ctx, string(victim)); err != nil {
			e.log.WithFields(logrus.Fields{"addr": victim, "err": err}).Warn("disconnect during client trim failed")
		}
		e.ledger.RemoveClient(victim)
	}
}

func (e *Enforcer) trimServers(ctx context.Context) {
	for e.ledger.CountServers() > e.cfg.MaxServer || e.ledger.CountTotal() > e.cfg.MaxTotal {
		oldest := e.ledger.ServersByAge()
		if len(oldest) == 0 {
			return
		}
		victim := oldest[0].Address
		// O driver pode não expor desconexão inbound; trate o erro como
		// informativo e remova a entrada de qualquer forma — o peer
		// observará a perda fora de banda.
		if err := e.drv.DisconnectCentral(ctx, string(victim)); err != nil {
			e.log.WithFields(logrus.Fields{"addr": victim, "err": err}).Debug("inbound disconnect not supported by driver, dropping ledger entry anyway")
		}
		e.ledger.RemoveServer(victim)
	}
}
