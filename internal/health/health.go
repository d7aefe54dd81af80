// Package health implementa o HealthMonitor: a máquina de estados
// orientada a timer {Idle, HealthChecking, Reconnecting} que ping-testa o
// link ativo, alongando o intervalo por um fator fixo a cada ping bem
// sucedido, e alterna para reconexão. As tentativas de reconexão são
// re-armadas sempre a MinInterval, sem backoff entre elas.
//
// Grounded no laço maintenanceLoop (internal/bluetooth/mesh_service.go no
// repositório original) — um time.Ticker + select sobre ctx.Done() — aqui
// generalizado: em vez de um goroutine próprio com seu próprio Ticker, o
// Monitor expõe Tick(now), chamado pelo laço de eventos de único escritor
// de internal/core, preservando a ausência de contenção de locks exigida
// por spec.md §5.
package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/ledger"
)

// State é o estado da máquina {Idle, HealthChecking, Reconnecting} de
// spec.md §4.4.
type State int

const (
	Idle State = iota
	HealthChecking
	Reconnecting
)

func (s State) String() string {
	switch s {
	case HealthChecking:
		return "health_checking"
	case Reconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// Config reúne os tunáveis de spec.md §4.4/§6.
type Config struct {
	MinInterval           time.Duration
	MaxInterval           time.Duration
	HealthCheckInterval   time.Duration
	MaxAttempts           int
	PingTimeout           time.Duration
	ScanTimeout           time.Duration
	ReconnectAfterPowerOn time.Duration
	IntervalBackoffFactor float64
}

// DefaultConfig retorna os defaults de spec.md §4.4: MIN_INTERVAL_MS=3000,
// MAX_INTERVAL_MS=30000, HEALTH_CHECK_INTERVAL_MS=5000, MAX_ATTEMPTS=5.
func DefaultConfig() Config {
	return Config{
		MinInterval:           3000 * time.Millisecond,
		MaxInterval:           30000 * time.Millisecond,
		HealthCheckInterval:   5000 * time.Millisecond,
		MaxAttempts:           5,
		PingTimeout:           3 * time.Second,
		ScanTimeout:           8 * time.Second,
		ReconnectAfterPowerOn: 800 * time.Millisecond,
		IntervalBackoffFactor: 1.2,
	}
}

// Gates agrupa os predicados de supressão consultados antes de cada tick
// — o predicado canônico de spec.md §9: pairing_in_progress ∨
// handshake_in_progress ∨ message_op_in_progress ∨ ¬has_client_link ∨
// message_characteristic_absent. Os dois últimos são avaliados
// diretamente contra o ledger em tickHealthChecking; os três primeiros
// são injetados aqui porque pertencem a colaboradores externos
// (handshake, pareamento, fila de transporte).
type Gates struct {
	PairingInProgress   func() bool
	HandshakeInProgress func() bool
	MessageOpInProgress func() bool
}

// PingFunc escreve um ping de 1 byte no link cliente ativo.
type PingFunc func(ctx context.Context, addr ledger.PeerAddress) error

// ScanFunc escaneia até o timeout do contexto por um peer anunciando o
// serviço configurado. Retorna o endereço encontrado e true, ou "" e
// false caso nenhum seja encontrado dentro do prazo.
type ScanFunc func(ctx context.Context) (ledger.PeerAddress, bool)

// DialFunc executa a sequência completa de discagem (conectar, detectar
// MTU, descobrir característica, habilitar notificações, instalar no
// ledger) e retorna erro se qualquer etapa falhar.
type DialFunc func(ctx context.Context, addr ledger.PeerAddress) error

// HandshakeInFlightFunc reporta se existe um ClientLink cujo handshake
// está em andamento — usado por hasViableRelayLink para suprimir churn.
type HandshakeInFlightFunc func(addr ledger.PeerAddress) bool

// IsReadyFunc reporta se o ConnectionState de addr é Ready.
type IsReadyFunc func(addr ledger.PeerAddress) bool

// Monitor é o HealthMonitor de spec.md §4.4.
type Monitor struct {
	ledger *ledger.Ledger
	cfg    Config
	gates  Gates
	ping   PingFunc
	scan   ScanFunc
	dial   DialFunc
	isReady         IsReadyFunc
	handshakeActive HandshakeInFlightFunc
	disconnect      func(ctx context.Context, addr ledger.PeerAddress) error
	log             *logrus.Entry

	state    State
	interval time.Duration
	attempts int
	deadline time.Time
	armed    bool
}

// Deps agrupa as dependências injetadas de Monitor.
type Deps struct {
	Ping            PingFunc
	Scan            ScanFunc
	Dial            DialFunc
	IsReady         IsReadyFunc
	HandshakeActive HandshakeInFlightFunc
	Disconnect      func(ctx context.Context, addr ledger.PeerAddress) error
	Gates           Gates
}

// New cria um Monitor em estado Idle.
func New(l *ledger.Ledger, cfg Config, deps Deps, log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		ledger:          l,
		cfg:             cfg,
		gates:           deps.Gates,
		ping:            deps.Ping,
		scan:            deps.Scan,
		dial:            deps.Dial,
		isReady:         deps.IsReady,
		handshakeActive: deps.HandshakeActive,
		disconnect:      deps.Disconnect,
		log:             log.WithField("component", "health"),
		state:           Idle,
	}
}

// State retorna o estado corrente.
func (m *Monitor) State() State { return m.state }

// Attempts retorna o número de tentativas de reconexão já feitas no ciclo
// Reconnecting corrente.
func (m *Monitor) Attempts() int { return m.attempts }

// StartMonitoring arma o monitor: HealthChecking se há qualquer link
// estabelecido, Reconnecting caso contrário — ambos a MIN_INTERVAL_MS.
func (m *Monitor) StartMonitoring(now time.Time) {
	if len(m.ledger.Established()) > 0 {
		m.state = HealthChecking
	} else {
		m.state = Reconnecting
	}
	m.interval = m.cfg.MinInterval
	m.attempts = 0
	m.arm(now)
	m.log.WithField("state", m.state).Info("health monitor started")
}

// StopMonitoring cancela o timer e volta a Idle, zerando as tentativas.
func (m *Monitor) StopMonitoring() {
	m.state = Idle
	m.attempts = 0
	m.armed = false
	m.log.Info("health monitor stopped")
}

func (m *Monitor) arm(now time.Time) {
	m.deadline = now.Add(m.interval)
	m.armed = true
}

// OnBluetoothPoweredOff reage à perda do adaptador: spec.md §4.4 exige
// que last_connected_peer seja preservado (ledger cuida disso
// separadamente) mas os links sejam abandonados; o monitor simplesmente
// volta a Idle até que o adaptador volte.
func (m *Monitor) OnBluetoothPoweredOff() {
	m.state = Idle
	m.armed = false
	m.log.Info("bluetooth powered off: health monitor idling")
}

// OnBluetoothPoweredOn agenda uma reconexão ~800ms à frente se um
// last_connected_peer está registrado, marcando o próximo ciclo do
// monitor como uma tentativa de reconexão.
func (m *Monitor) OnBluetoothPoweredOn(now time.Time) {
	if _, ok := m.ledger.LastConnectedPeer(); !ok {
		return
	}
	m.state = Reconnecting
	m.attempts = 0
	m.interval = m.cfg.MinInterval
	m.deadline = now.Add(m.cfg.ReconnectAfterPowerOn)
	m.armed = true
	m.log.WithField("deadline", m.deadline).Info("bluetooth powered on: reconnection cycle scheduled")
}

// Tick é chamado pelo laço de eventos cooperativo do núcleo. É um no-op
// em Idle ou se o prazo armado ainda não chegou.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	if m.state == Idle || !m.armed || now.Before(m.deadline) {
		return
	}

	if m.gates.PairingInProgress != nil && m.gates.PairingInProgress() ||
		m.gates.HandshakeInProgress != nil && m.gates.HandshakeInProgress() ||
		m.gates.MessageOpInProgress != nil && m.gates.MessageOpInProgress() {
		m.arm(now)
		return
	}

	switch m.state {
	case HealthChecking:
		m.tickHealthChecking(ctx, now)
	case Reconnecting:
		m.tickReconnecting(ctx, now)
	}
}

func (m *Monitor) activeClient() (*ledger.ClientLink, bool) {
	for _, c := range m.ledger.ClientsByAge() {
		return c, true
	}
	return nil, false
}

// tickHealthChecking implementa a linha "HealthChecking, tick, not
// paused, has client link" de spec.md §4.4, incluindo o predicado
// canônico de skip de §9: ¬has_client_link ∨ message_characteristic_absent
// reschedula sem trabalho.
func (m *Monitor) tickHealthChecking(ctx context.Context, now time.Time) {
	client, ok := m.activeClient()
	if !ok || client.MessageCharacteristic == "" {
		m.arm(now)
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.ping(pingCtx, client.Address)
	cancel()

	if err == nil {
		m.interval = scaleInterval(m.interval, m.cfg.IntervalBackoffFactor, m.cfg.MaxInterval)
		m.arm(now)
		return
	}

	m.log.WithField("addr", client.Address).Warn("health ping failed, forcing disconnect and reconnecting")
	if m.disconnect != nil {
		_ = m.disconnect(ctx, client.Address)
	}
	m.ledger.RemoveClient(client.Address)
	m.state = Reconnecting
	m.attempts = 0
	m.interval = m.cfg.MinInterval
	m.arm(now)
}

// hasViableRelayLink implementa o predicado "viable relay link" de
// spec.md §4.4: um ClientLink com característica de mensagens e
// ConnectionState Ready, ou um ClientLink cujo handshake está em voo
// (supressão de churn).
func (m *Monitor) hasViableRelayLink() bool {
	for _, c := range m.ledger.ClientsByAge() {
		if c.MessageCharacteristic != "" && m.isReady != nil && m.isReady(c.Address) {
			return true
		}
		if m.handshakeActive != nil && m.handshakeActive(c.Address) {
			return true
		}
	}
	return false
}

func (m *Monitor) tickReconnecting(ctx context.Context, now time.Time) {
	if m.hasViableRelayLink() {
		m.state = HealthChecking
		m.attempts = 0
		m.interval = m.cfg.HealthCheckInterval
		m.arm(now)
		return
	}

	if m.attempts >= m.cfg.MaxAttempts {
		m.log.Info("max reconnect attempts reached, idling")
		m.state = Idle
		m.attempts = 0
		m.armed = false
		return
	}

	m.attempts++
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	addr, found := m.scan(scanCtx)
	cancel()

	if found {
		if err := m.dial(ctx, addr); err == nil {
			m.log.WithField("addr", addr).Info("reconnect dial succeeded")
			m.state = HealthChecking
			m.attempts = 0
			m.interval = m.cfg.MinInterval
			m.arm(now)
			return
		}
		m.log.WithField("addr", addr).Warn("reconnect dial failed")
	}

	m.arm(now)
}

func scaleInterval(cur time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > max {
		return max
	}
	return next
}
