// Package core implementa o Node: o laço de eventos de escritor único que
// liga LinkLedger, GattController, CapacityEnforcer, HealthMonitor,
// CollisionResolver e TransportQueue ao driver BLE e ao handshake externo.
//
// Grounded no trio de goroutines do BluetoothMeshService
// (maintenanceLoop, processOutgoingMessages, processIncomingMessages) no
// repositório original, cada um com seu próprio estado guardado por
// mutex — substituído aqui por um único goroutine e um único select
// drenando o canal de eventos do driver, os sinais do handshake e os
// pedidos de envio da aplicação em ordem de chegada, conforme spec.md §5
// exige ("no locks; a single execution context").
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/capacity"
	"github.com/permissionlesstech/meshcore/internal/collision"
	"github.com/permissionlesstech/meshcore/internal/driver"
	"github.com/permissionlesstech/meshcore/internal/frame"
	"github.com/permissionlesstech/meshcore/internal/gatt"
	"github.com/permissionlesstech/meshcore/internal/handshake"
	"github.com/permissionlesstech/meshcore/internal/health"
	"github.com/permissionlesstech/meshcore/internal/ledger"
	"github.com/permissionlesstech/meshcore/internal/transport"
	"github.com/permissionlesstech/meshcore/internal/wire"
)

// Status é o estado de alto nível exposto a quem consome o Node — spec.md
// §7 "User-visible behaviour".
type Status int

const (
	StatusDisconnected Status = iota
	StatusScanning
	StatusConnecting
	StatusHandshaking
	StatusReady
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusScanning:
		return "scanning"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusReady:
		return "ready"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Delivery é uma mensagem de aplicação completamente reassemblada,
// entregue ao consumidor do Node via Inbox().
type Delivery struct {
	From    ledger.PeerAddress
	Tag     frame.Tag
	Payload []byte
}

// Node é o núcleo de conexão de spec.md §2/§5.
type Node struct {
	cfg    Config
	nodeID string
	ledger *ledger.Ledger
	drv    driver.Driver
	gatt   *gatt.Controller
	cap    *capacity.Enforcer
	health *health.Monitor
	coll   *collision.Resolver
	trans  *transport.Queue
	hs     handshake.Handshake
	log    *logrus.Entry

	inboundReasm *wire.ReassemblyBuffer

	sendCh   chan sendRequest
	statusCh chan Status
	inboxCh  chan Delivery
	lastStat Status

	pairingInProgress   func() bool
	messageOpInProgress bool

	// pendingHandshakes/readyPeers are the core's own view of handshake
	// progress, built solely from the Started/Completed/Failed signal
	// stream — handshake.Handshake exposes no direct state query, only
	// that stream, so the core must track it itself to answer isReady/
	// handshakeActive for CollisionResolver and HealthMonitor.
	pendingHandshakes map[ledger.PeerAddress]bool
	readyPeers        map[ledger.PeerAddress]bool
}

type sendRequest struct {
	recipient []byte
	tag       wire.FrameType
	payload   []byte
	result    chan error
}

// New monta um Node a partir de suas dependências injetáveis. crypto pode
// ser nil durante testes que nunca chamam Send. hs nunca é nil em
// produção; internal/handshake/noop fornece um duplo para testes.
func New(nodeID string, cfg Config, drv driver.Driver, crypto transport.CryptoProvider, hs handshake.Handshake, pairingInProgress func() bool, log *logrus.Entry) *Node {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "core")

	l := ledger.New(log)

	n := &Node{
		cfg:                 cfg,
		nodeID:              nodeID,
		ledger:              l,
		drv:                 drv,
		hs:                  hs,
		log:                 log,
		inboundReasm:        wire.NewReassemblyBuffer(30 * time.Second),
		sendCh:              make(chan sendRequest, 32),
		statusCh:            make(chan Status, 8),
		inboxCh:             make(chan Delivery, 32),
		lastStat:            StatusDisconnected,
		pairingInProgress:   pairingInProgress,
		pendingHandshakes:   make(map[ledger.PeerAddress]bool),
		readyPeers:          make(map[ledger.PeerAddress]bool),
	}

	n.gatt = gatt.New(drv, cfg.gattConfig(), driver.IsTransient, log)
	n.cap = capacity.New(l, drv, cfg.PowerMode, log)
	n.coll = collision.New(l, drv, cfg.collisionConfig(), n.localHint, n.isReady, log)
	n.trans = transport.New(l, drv, cfg.transportConfig(), crypto, n.reconnectClient, n.onTransportFatal, log)
	n.health = health.New(l, cfg.healthConfig(), health.Deps{
		Ping:            n.ping,
		Scan:            n.scan,
		Dial:            n.dial,
		IsReady:         n.isReady,
		HandshakeActive: n.handshakeActive,
		Disconnect:      n.disconnectClient,
		Gates: health.Gates{
			PairingInProgress:   n.pairingGate,
			HandshakeInProgress: n.handshakeGateActive,
			MessageOpInProgress: n.messageOpGate,
		},
	}, log)

	return n
}

// Status retorna o canal de mudanças de estado do Node, emitido apenas em
// transições reais (spec.md §7).
func (n *Node) Status() <-chan Status { return n.statusCh }

// Inbox retorna o canal de mensagens de aplicação completamente
// reassembladas e endereçadas a este nó.
func (n *Node) Inbox() <-chan Delivery { return n.inboxCh }

// Send enfileira um envio de aplicação através do laço de eventos —
// seguro para chamada de qualquer goroutine, já que o pedido atravessa
// sendCh e é processado apenas pelo escritor único em Run.
func (n *Node) Send(ctx context.Context, recipient []byte, payload []byte) error {
	req := sendRequest{recipient: recipient, tag: wire.FrameMessage, payload: payload, result: make(chan error, 1)}
	select {
	case n.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run é o laço de eventos de escritor único: drena eventos do driver,
// sinais de handshake, pedidos de envio e o timer interno, nessa ordem de
// chegada, até ctx ser cancelado.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	n.health.StartMonitoring(time.Now())
	n.emitStatus(n.deriveStatus())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-n.drv.Events():
			if !ok {
				return fmt.Errorf("core: canal de eventos do driver fechado")
			}
			n.handleDriverEvent(ctx, ev)
		case sig := <-n.hs.Signals():
			n.handleHandshakeSignal(ctx, sig)
		case req := <-n.sendCh:
			req.result <- n.trans.Send(ctx, req.recipient, req.tag, req.payload)
		case now := <-ticker.C:
			n.tick(ctx, now)
		}
		n.emitStatus(n.deriveStatus())
	}
}

func (n *Node) tick(ctx context.Context, now time.Time) {
	n.health.Tick(ctx, now)
	for _, addr := range n.coll.ExpireDeferredTeardowns(now) {
		n.log.WithField("addr", addr).Debug("deferred teardown expired")
	}
}

// --- driver event dispatch ---

func (n *Node) handleDriverEvent(ctx context.Context, ev driver.Event) {
	switch ev.Kind {
	case driver.EventStateChanged:
		n.handleStateChanged(ctx, ev)
	case driver.EventDiscovered:
		// Nada a fazer fora de uma janela de scan ativa: o hint do
		// anúncio (quando presente) é cacheado por scan() no momento em
		// que o evento é consumido ali.
	case driver.EventCentralConnected:
		n.handleCentralConnected(ctx, ev)
	case driver.EventCentralDisconnected:
		n.ledger.RemoveServer(ledger.PeerAddress(ev.Peer))
	case driver.EventCharacteristicSubscribed:
		n.handleCharacteristicSubscribed(ctx, ev)
	case driver.EventServerMtuUpdated:
		n.handleServerMTUUpdated(ctx, ev)
	case driver.EventCharacteristicNotified:
		n.handleCharacteristicNotified(ctx, ev)
	}
}

func (n *Node) handleStateChanged(_ context.Context, ev driver.Event) {
	switch ev.State {
	case driver.AdapterPoweredOff:
		n.health.OnBluetoothPoweredOff()
	case driver.AdapterPoweredOn:
		n.health.OnBluetoothPoweredOn(time.Now())
	}
}

func (n *Node) handleCentralConnected(ctx context.Context, ev driver.Event) {
	addr := ledger.PeerAddress(ev.Peer)
	if !n.cap.CanAcceptServer() {
		n.log.WithField("addr", addr).Info("rejecting inbound: capacity exceeded")
		_ = n.drv.DisconnectCentral(ctx, ev.Peer)
		return
	}
	link := &ledger.ServerLink{Address: addr, CentralHandle: ev.Peer, ConnectedAt: time.Now()}
	remoteHint, _ := n.ledger.PeerHintFor(addr)
	n.coll.HandleCentralConnected(ctx, link, remoteHint)
}

func (n *Node) handleCharacteristicSubscribed(ctx context.Context, ev driver.Event) {
	addr := ledger.PeerAddress(ev.Peer)
	n.ledger.SetSubscription(addr, ev.Characteristic)
	if n.coll.OnDuplicateSubscription(ctx, addr) {
		return
	}
	n.coll.OnViabilityObserved(addr)
}

func (n *Node) handleServerMTUUpdated(_ context.Context, ev driver.Event) {
	addr := ledger.PeerAddress(ev.Peer)
	n.ledger.SetServerMTU(addr, ev.MTU)
	n.coll.OnViabilityObserved(addr)
}

func (n *Node) handleCharacteristicNotified(ctx context.Context, ev driver.Event) {
	ingress := ledger.PeerAddress(ev.Peer)
	f, err := wire.Decode(ev.Value)
	if err != nil {
		n.log.WithFields(logrus.Fields{"addr": ingress, "err": err}).Warn("fragmento malformado descartado")
		return
	}

	if ledger.PeerAddress(f.Recipient) != "" && string(f.Recipient) != n.nodeID {
		n.trans.Forward(ctx, ev.Value, ingress, n.nodeID)
		return
	}

	complete, payload := n.inboundReasm.Add(f, time.Now())
	if !complete {
		return
	}

	n.dispatchReassembled(ctx, ingress, f.OriginalType, payload)
}

// dispatchReassembled despacha um payload totalmente reassemblado
// conforme o wire.FrameType original que o Fragment anunciava: frames de
// handshake vão para a caixa-preta externa; os demais viram uma entrega
// na Inbox, com o Tag de internal/frame preenchido quando o payload
// carrega um dos frames de protocolo com tag explícita (ACK, RelayACK,
// Identity, ContactStatus, QueueSync) em vez de uma mensagem de aplicação
// opaca.
func (n *Node) dispatchReassembled(_ context.Context, from ledger.PeerAddress, originalType wire.FrameType, payload []byte) {
	switch originalType {
	case wire.FrameHandshake1, wire.FrameHandshake2, wire.FrameHandshake3:
		if err := n.hs.OnFrame(from, handshake.Frame(payload)); err != nil {
			n.log.WithFields(logrus.Fields{"addr": from, "err": err}).Warn("handshake frame rejected")
		}
	case wire.FrameMessage:
		n.inboxCh <- Delivery{From: from, Payload: payload}
	default:
		tag, err := frame.PeekTag(payload)
		if err != nil {
			n.log.WithField("addr", from).Warn("payload reassemblado sem tag reconhecível")
			return
		}
		n.inboxCh <- Delivery{From: from, Tag: tag, Payload: payload}
	}
}

// --- handshake signal dispatch ---

func (n *Node) handleHandshakeSignal(ctx context.Context, sig handshake.PeerSignal) {
	switch sig.Signal {
	case handshake.Started:
		n.pendingHandshakes[sig.Peer] = true
		n.log.WithField("addr", sig.Peer).Debug("handshake started")
	case handshake.Completed:
		delete(n.pendingHandshakes, sig.Peer)
		n.readyPeers[sig.Peer] = true
		n.log.WithField("addr", sig.Peer).Info("handshake completed, link ready")
	case handshake.Failed:
		delete(n.pendingHandshakes, sig.Peer)
		n.log.WithField("addr", sig.Peer).Warn("handshake failed, forcing disconnect")
		_ = n.disconnectClient(ctx, sig.Peer)
	}
}

// --- injected dependencies for health/collision ---

func (n *Node) localHint() (ledger.PeerHint, bool) {
	hint, ok := n.ledger.PeerHintFor(ledger.PeerAddress(n.nodeID))
	return hint, ok
}

// isReady reporta se addr tem um handshake concluído. O handshake externo
// é a única fonte de verdade para isso; o núcleo mantém sua própria vista
// simplificada observando os sinais Completed/Failed acumulados por
// endereço, já que handshake.Handshake não expõe uma consulta direta de
// estado — apenas o fluxo de sinais.
func (n *Node) isReady(addr ledger.PeerAddress) bool {
	return n.readyPeers[addr]
}

func (n *Node) handshakeActive(addr ledger.PeerAddress) bool {
	return n.pendingHandshakes[addr]
}

func (n *Node) pairingGate() bool {
	if n.pairingInProgress == nil {
		return false
	}
	return n.pairingInProgress()
}

func (n *Node) handshakeGateActive() bool {
	return len(n.pendingHandshakes) > 0
}

func (n *Node) messageOpGate() bool {
	return n.messageOpInProgress
}

// ping escreve um ping de 1 byte no link cliente ativo — usado pelo
// HealthMonitor em HealthChecking.
func (n *Node) ping(ctx context.Context, addr ledger.PeerAddress) error {
	client, ok := n.ledger.Client(addr)
	if !ok || client.MessageCharacteristic == "" {
		return driver.ErrNotConnected
	}
	return n.drv.WriteCharacteristic(ctx, string(addr), client.MessageCharacteristic, []byte{0x00}, driver.WriteWithoutResponse)
}

// scan executa uma janela de descoberta até ctx expirar. É chamado
// exclusivamente de dentro de Tick/Run — a mesma goroutine e a mesma pilha
// de chamadas do laço de eventos — então o select aninhado sobre
// n.drv.Events() aqui não introduz um segundo leitor concorrente do canal
// de eventos: ele apenas consome o canal recursivamente dentro do mesmo
// executor, repassando qualquer evento que não seja a descoberta buscada
// para o dispatcher normal antes de continuar esperando.
func (n *Node) scan(ctx context.Context) (ledger.PeerAddress, bool) {
	if err := n.drv.StartDiscovery(ctx, []string{n.cfg.ServiceUUID}); err != nil {
		return "", false
	}
	defer func() { _ = n.drv.StopDiscovery(context.Background()) }()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case ev, ok := <-n.drv.Events():
			if !ok {
				return "", false
			}
			if ev.Kind == driver.EventDiscovered {
				if ev.RSSI < n.cap.RSSIFloor() {
					n.log.WithFields(logrus.Fields{
						"peer": ev.Peer, "rssi": ev.RSSI, "floor": n.cap.RSSIFloor(),
					}).Debug("scan: discovered peer below RSSI floor, rejected")
					continue
				}
				return ledger.PeerAddress(ev.Peer), true
			}
			n.handleDriverEvent(ctx, ev)
		}
	}
}

// dial executa a sequência completa de discagem de spec.md §4.2 e instala
// o ClientLink resultante no ledger, iniciando o handshake em seguida.
func (n *Node) dial(ctx context.Context, addr ledger.PeerAddress) error {
	if !n.cap.CanAcceptClient() {
		return fmt.Errorf("core: capacidade de cliente excedida")
	}

	n.ledger.MarkPendingDial(addr)
	defer n.ledger.ClearPendingDial(addr)

	if err := n.gatt.ConnectWithRetry(ctx, string(addr)); err != nil {
		return err
	}

	if n.ledger.HasServer(addr) {
		n.ledger.ClearPendingDial(addr)
		if n.coll.ShouldYieldToInbound(ctx, addr, ledger.NoHint) {
			_ = n.drv.Disconnect(ctx, string(addr))
			return fmt.Errorf("core: cedendo a ServerLink inbound existente")
		}
	}

	mtu := n.gatt.DetectOptimalMTU(ctx, string(addr))
	ch, err := n.gatt.DiscoverMessageCharacteristic(ctx, string(addr))
	if err != nil {
		_ = n.drv.Disconnect(ctx, string(addr))
		return err
	}
	if err := n.gatt.EnableNotifications(ctx, string(addr), ch); err != nil {
		_ = n.drv.Disconnect(ctx, string(addr))
		return err
	}

	link := &ledger.ClientLink{Address: addr, PeripheralHandle: string(addr), ConnectedAt: time.Now(), MTU: &mtu, MessageCharacteristic: ch.UUID}
	n.ledger.AddClient(link)
	n.ledger.SetLastConnectedPeer(addr)

	n.pendingHandshakes[addr] = true
	if err := n.hs.Start(addr); err != nil {
		delete(n.pendingHandshakes, addr)
		return fmt.Errorf("core: falha ao iniciar handshake: %w", err)
	}
	return nil
}

func (n *Node) disconnectClient(ctx context.Context, addr ledger.PeerAddress) error {
	n.ledger.RemoveClient(addr)
	delete(n.pendingHandshakes, addr)
	delete(n.readyPeers, addr)
	return n.drv.Disconnect(ctx, string(addr))
}

func (n *Node) reconnectClient(ctx context.Context, addr ledger.PeerAddress) {
	n.log.WithField("addr", addr).Info("transport requested reconnect after handshake-send failure")
	_ = n.disconnectClient(ctx, addr)
}

func (n *Node) onTransportFatal(ctx context.Context, addr ledger.PeerAddress, err error) {
	n.log.WithFields(logrus.Fields{"addr": addr, "err": err}).Warn("transport fatal error, forcing disconnect")
	_ = n.disconnectClient(ctx, addr)
}

// --- status derivation ---

func (n *Node) deriveStatus() Status {
	if n.handshakeGateActive() {
		return StatusHandshaking
	}
	if len(n.readyPeers) > 0 {
		return StatusReady
	}
	switch n.health.State() {
	case health.Reconnecting:
		if n.health.Attempts() > 0 {
			return StatusReconnecting
		}
		return StatusScanning
	case health.HealthChecking:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

func (n *Node) emitStatus(s Status) {
	if s == n.lastStat {
		return
	}
	n.lastStat = s
	select {
	case n.statusCh <- s:
	default:
		n.log.WithField("status", s).Debug("status channel full, dropping stale update")
	}
}
