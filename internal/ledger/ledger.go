// Package ledger implementa o LinkLedger: o registro em memória de links
// cliente/servidor, discagens pendentes, apelidos de peer e temporizadores
// de desmonte adiado descritos no núcleo de conexão da malha BLE.
//
// Grounded em BluetoothMeshService.peers (internal/bluetooth/mesh_service.go
// no repositório original), que guardava um único map[string]*Peer sob um
// sync.RWMutex. Aqui o mapa único vira mapas separados de ClientLink e
// ServerLink, e o sync.RWMutex é removido: o Ledger não é seguro para uso
// concorrente por design — ele existe para ser chamado por um único
// executor (o laço de eventos de internal/core.Node), nunca por goroutines
// concorrentes diretamente.
package ledger

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerAddress identifica um peer BLE de forma estável (tipicamente um UUID
// ou endereço MAC) conforme exposto pelo driver. É a chave dos mapas do
// Ledger.
type PeerAddress string

// PeerHint é um token curto e opaco anunciado junto com o advertisement,
// usado para reconhecer um peer cujo endereço rotacionou.
type PeerHint string

// NoHint é o sentinela que indica "este peer não anuncia hint".
const NoHint PeerHint = ""

// ClientLink é um link outbound que discamos.
type ClientLink struct {
	Address               PeerAddress
	PeripheralHandle      string
	ConnectedAt           time.Time
	RSSI                  *int
	MTU                   *int
	MessageCharacteristic string
}

// ServerLink é um link inbound que um central abriu para nós.
type ServerLink struct {
	Address                 PeerAddress
	CentralHandle           string
	ConnectedAt             time.Time
	MTU                     *int
	SubscribedCharacteristic string
}

// Viable reporta se este ServerLink já demonstrou viabilidade: uma
// assinatura de característica observada ou uma atualização de MTU.
func (s *ServerLink) Viable() bool {
	return s.SubscribedCharacteristic != "" || s.MTU != nil
}

// AddResult descreve o efeito de uma operação add_client/add_server.
type AddResult int

const (
	// Fresh indica que não havia link prévio; um novo foi instalado.
	Fresh AddResult = iota
	// Replaced indica que um link existente para o mesmo endereço foi substituído.
	Replaced
)

type deferredTeardown struct {
	deadline time.Time
}

// Ledger é o registro de links descrito em spec.md §4.1. Todas as suas
// mutações assumem disciplina de escritor único: nenhum método aqui é
// seguro para chamada concorrente.
type Ledger struct {
	log *logrus.Entry

	clients map[PeerAddress]*ClientLink
	servers map[PeerAddress]*ServerLink

	pendingDials map[PeerAddress]struct{}

	hints     map[PeerAddress]PeerHint
	hintIndex map[PeerHint]map[PeerAddress]struct{}

	deferred map[PeerAddress]deferredTeardown

	blockedResponderHandshakes map[PeerAddress]struct{}

	// nodeIngress resolve um node-id efêmero para o último endereço pelo
	// qual um fragmento originado por ele chegou — usado pelo filtro de
	// loop-avoidance do TransportQueue.
	nodeIngress map[string]PeerAddress

	noHintInboundDebounceUntil time.Time

	lastConnectedPeer   PeerAddress
	hasLastConnected    bool
}

// New cria um Ledger vazio.
func New(log *logrus.Entry) *Ledger {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ledger{
		log:                        log.WithField("component", "ledger"),
		clients:                    make(map[PeerAddress]*ClientLink),
		servers:                    make(map[PeerAddress]*ServerLink),
		pendingDials:               make(map[PeerAddress]struct{}),
		hints:                      make(map[PeerAddress]PeerHint),
		hintIndex:                  make(map[PeerHint]map[PeerAddress]struct{}),
		deferred:                   make(map[PeerAddress]deferredTeardown),
		blockedResponderHandshakes: make(map[PeerAddress]struct{}),
		nodeIngress:                make(map[string]PeerAddress),
	}
}

// --- accessors ---

// HasClient reporta se addr possui um ClientLink.
func (l *Ledger) HasClient(addr PeerAddress) bool {
	_, ok := l.clients[addr]
	return ok
}

// HasServer reporta se addr possui um ServerLink.
func (l *Ledger) HasServer(addr PeerAddress) bool {
	_, ok := l.servers[addr]
	return ok
}

// Client retorna o ClientLink de addr, se existir.
func (l *Ledger) Client(addr PeerAddress) (*ClientLink, bool) {
	c, ok := l.clients[addr]
	return c, ok
}

// Server retorna o ServerLink de addr, se existir.
func (l *Ledger) Server(addr PeerAddress) (*ServerLink, bool) {
	s, ok := l.servers[addr]
	return s, ok
}

// IsViableServer reporta se addr tem um ServerLink viável.
func (l *Ledger) IsViableServer(addr PeerAddress) bool {
	s, ok := l.servers[addr]
	return ok && s.Viable()
}

// CountClients retorna o número de ClientLinks ativos.
func (l *Ledger) CountClients() int { return len(l.clients) }

// CountServers retorna o número de ServerLinks ativos.
func (l *Ledger) CountServers() int { return len(l.servers) }

// CountTotal retorna clients+servers. Um endereço com ambos os links conta
// duas vezes, refletindo a contagem de conexões físicas reais do driver.
func (l *Ledger) CountTotal() int { return len(l.clients) + len(l.servers) }

// CanAcceptClient é uma função pura dos contadores atuais contra os limites
// fornecidos pelo CapacityEnforcer.
func (l *Ledger) CanAcceptClient(maxClient, maxTotal int) bool {
	return l.CountClients() < maxClient && l.CountTotal() < maxTotal
}

// CanAcceptServer é a contraparte de CanAcceptClient para links inbound.
func (l *Ledger) CanAcceptServer(maxServer, maxTotal int) bool {
	return l.CountServers() < maxServer && l.CountTotal() < maxTotal
}

// HasPendingDial reporta se addr está em pending_client_dials.
func (l *Ledger) HasPendingDial(addr PeerAddress) bool {
	_, ok := l.pendingDials[addr]
	return ok
}

// AddressesForHint retorna todos os endereços atualmente associados a hint.
func (l *Ledger) AddressesForHint(hint PeerHint) []PeerAddress {
	set, ok := l.hintIndex[hint]
	if !ok {
		return nil
	}
	out := make([]PeerAddress, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

// PeerHintFor retorna o hint em cache para addr, se houver.
func (l *Ledger) PeerHintFor(addr PeerAddress) (PeerHint, bool) {
	h, ok := l.hints[addr]
	return h, ok
}

// Established retorna a união de endereços com ClientLink ou ServerLink —
// o connection_tracker de spec.md §3.
func (l *Ledger) Established() []PeerAddress {
	seen := make(map[PeerAddress]struct{}, len(l.clients)+len(l.servers))
	for addr := range l.clients {
		seen[addr] = struct{}{}
	}
	for addr := range l.servers {
		seen[addr] = struct{}{}
	}
	out := make([]PeerAddress, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	return out
}

// ClientsByAge retorna todos os ClientLinks ordenados por ConnectedAt
// ascendente (mais antigo primeiro) — usado pelo CapacityEnforcer para
// selecionar candidatos ao corte FIFO.
func (l *Ledger) ClientsByAge() []*ClientLink {
	out := make([]*ClientLink, 0, len(l.clients))
	for _, c := range l.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ServersByAge é a contraparte de ClientsByAge para ServerLinks.
func (l *Ledger) ServersByAge() []*ServerLink {
	out := make([]*ServerLink, 0, len(l.servers))
	for _, s := range l.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// IsDebounceActive reporta se now está dentro da janela de debounce de
// inbound sem hint reconhecível.
func (l *Ledger) IsDebounceActive(now time.Time) bool {
	return now.Before(l.noHintInboundDebounceUntil)
}

// --- mutators ---

// AddClient instala um ClientLink, substituindo qualquer link anterior para
// o mesmo endereço.
func (l *Ledger) AddClient(link *ClientLink) AddResult {
	_, existed := l.clients[link.Address]
	l.clients[link.Address] = link
	if existed {
		l.log.WithField("addr", link.Address).Debug("client link replaced")
		return Replaced
	}
	l.log.WithField("addr", link.Address).Debug("client link added")
	return Fresh
}

// AddServer instala um ServerLink, substituindo qualquer link anterior para
// o mesmo endereço.
func (l *Ledger) AddServer(link *ServerLink) AddResult {
	_, existed := l.servers[link.Address]
	l.servers[link.Address] = link
	if existed {
		l.log.WithField("addr", link.Address).Debug("server link replaced")
		return Replaced
	}
	l.log.WithField("addr", link.Address).Debug("server link added")
	return Fresh
}

// RemoveClient remove o ClientLink de addr; no-op se ausente.
func (l *Ledger) RemoveClient(addr PeerAddress) {
	delete(l.clients, addr)
	l.ClearPeerHintIfUnused(addr)
}

// RemoveServer remove o ServerLink de addr e qualquer desmonte adiado
// associado; no-op se ausente.
func (l *Ledger) RemoveServer(addr PeerAddress) {
	delete(l.servers, addr)
	delete(l.deferred, addr)
	l.ClearPeerHintIfUnused(addr)
}

// MarkPendingDial marca addr como tendo uma discagem em voo.
func (l *Ledger) MarkPendingDial(addr PeerAddress) {
	l.pendingDials[addr] = struct{}{}
}

// ClearPendingDial remove a marcação de discagem pendente; no-op se ausente.
func (l *Ledger) ClearPendingDial(addr PeerAddress) {
	delete(l.pendingDials, addr)
}

// SetClientMTU registra o MTU negociado de um ClientLink; no-op se o link
// não existir.
func (l *Ledger) SetClientMTU(addr PeerAddress, mtu int) {
	if c, ok := l.clients[addr]; ok {
		v := mtu
		c.MTU = &v
	}
}

// SetServerMTU registra uma atualização de MTU observada em um ServerLink,
// tornando-o viável; no-op se o link não existir.
func (l *Ledger) SetServerMTU(addr PeerAddress, mtu int) {
	if s, ok := l.servers[addr]; ok {
		v := mtu
		s.MTU = &v
	}
}

// SetSubscription registra a característica assinada por um central,
// tornando o ServerLink viável; no-op se o link não existir.
func (l *Ledger) SetSubscription(addr PeerAddress, characteristic string) {
	if s, ok := l.servers[addr]; ok {
		s.SubscribedCharacteristic = characteristic
	}
}

// SetMessageCharacteristic registra a característica de escrita descoberta
// em um ClientLink; no-op se o link não existir.
func (l *Ledger) SetMessageCharacteristic(addr PeerAddress, characteristic string) {
	if c, ok := l.clients[addr]; ok {
		c.MessageCharacteristic = characteristic
	}
}

// ScheduleDeferredTeardown agenda o desmonte de um ServerLink em deadline,
// a menos que seja comprometido (cancelado) antes disso. addr deve ter um
// ServerLink presente; caller é responsável por essa invariante.
func (l *Ledger) ScheduleDeferredTeardown(addr PeerAddress, deadline time.Time) {
	l.deferred[addr] = deferredTeardown{deadline: deadline}
	l.log.WithFields(logrus.Fields{"addr": addr, "deadline": deadline}).Debug("deferred teardown scheduled")
}

// CommitDeferredTeardown cancela um desmonte adiado, preservando o
// ServerLink. Retorna false se não havia desmonte agendado para addr.
func (l *Ledger) CommitDeferredTeardown(addr PeerAddress) bool {
	if _, ok := l.deferred[addr]; !ok {
		return false
	}
	delete(l.deferred, addr)
	l.log.WithField("addr", addr).Debug("deferred teardown committed (cancelled)")
	return true
}

// HasDeferredTeardown reporta se addr tem um desmonte adiado pendente —
// mantém o invariante 2 de spec.md §8 verificável.
func (l *Ledger) HasDeferredTeardown(addr PeerAddress) bool {
	_, ok := l.deferred[addr]
	return ok
}

// ExpiredDeferredTeardowns retorna os endereços cujo desmonte adiado
// ultrapassou o deadline em now, sem removê-los — cabe ao chamador
// executar RemoveServer para cada um e então dropar a entrada daqui.
func (l *Ledger) ExpiredDeferredTeardowns(now time.Time) []PeerAddress {
	var out []PeerAddress
	for addr, d := range l.deferred {
		if !now.Before(d.deadline) {
			out = append(out, addr)
		}
	}
	return out
}

// CachePeerHint associa hint a addr e reconstrói o índice reverso a partir
// do mapa primário, como exige spec.md §4.1.
func (l *Ledger) CachePeerHint(addr PeerAddress, hint PeerHint) {
	l.hints[addr] = hint
	l.rebuildHintIndex()
}

func (l *Ledger) rebuildHintIndex() {
	idx := make(map[PeerHint]map[PeerAddress]struct{}, len(l.hintIndex))
	for addr, hint := range l.hints {
		set, ok := idx[hint]
		if !ok {
			set = make(map[PeerAddress]struct{})
			idx[hint] = set
		}
		set[addr] = struct{}{}
	}
	l.hintIndex = idx
}

// ClearPeerHintIfUnused remove o hint de addr quando nem ClientLink nem
// ServerLink nem discagem pendente o referenciam mais.
func (l *Ledger) ClearPeerHintIfUnused(addr PeerAddress) {
	if l.HasClient(addr) || l.HasServer(addr) || l.HasPendingDial(addr) {
		return
	}
	if _, ok := l.hints[addr]; !ok {
		return
	}
	delete(l.hints, addr)
	l.rebuildHintIndex()
}

// SetNoHintInboundDebounceUntil empurra a janela de debounce de inbound
// sem hint reconhecível para until.
func (l *Ledger) SetNoHintInboundDebounceUntil(until time.Time) {
	l.noHintInboundDebounceUntil = until
}

// BlockResponderHandshake adiciona addr a blocked_responder_handshakes.
func (l *Ledger) BlockResponderHandshake(addr PeerAddress) {
	l.blockedResponderHandshakes[addr] = struct{}{}
}

// UnblockResponderHandshake remove addr de blocked_responder_handshakes.
func (l *Ledger) UnblockResponderHandshake(addr PeerAddress) {
	delete(l.blockedResponderHandshakes, addr)
}

// IsResponderHandshakeBlocked reporta se addr está bloqueado.
func (l *Ledger) IsResponderHandshakeBlocked(addr PeerAddress) bool {
	_, ok := l.blockedResponderHandshakes[addr]
	return ok
}

// RecordIngress lembra que um fragmento de nodeID chegou mais recentemente
// por addr, para o filtro de loop-avoidance do TransportQueue.
func (l *Ledger) RecordIngress(nodeID string, addr PeerAddress) {
	if nodeID == "" {
		return
	}
	l.nodeIngress[nodeID] = addr
}

// ResolveIngress retorna o último endereço de ingresso conhecido para nodeID.
func (l *Ledger) ResolveIngress(nodeID string) (PeerAddress, bool) {
	addr, ok := l.nodeIngress[nodeID]
	return addr, ok
}

// SetLastConnectedPeer grava o último peer com quem houve uma conexão
// bem-sucedida, usado pela reconexão pós-ciclo de energia Bluetooth
// (spec.md §4.4 "Bluetooth power cycle"). Nunca limpo por perda de link —
// apenas por desconexão explícita do usuário (spec.md §9).
func (l *Ledger) SetLastConnectedPeer(addr PeerAddress) {
	l.lastConnectedPeer = addr
	l.hasLastConnected = true
}

// LastConnectedPeer retorna o último peer conectado, se algum foi gravado.
func (l *Ledger) LastConnectedPeer() (PeerAddress, bool) {
	return l.lastConnectedPeer, l.hasLastConnected
}

// ClearLastConnectedPeer limpa o último peer conectado. Deve ser chamado
// apenas por um desmonte explicitamente iniciado pelo usuário.
func (l *Ledger) ClearLastConnectedPeer() {
	l.lastConnectedPeer = ""
	l.hasLastConnected = false
}
