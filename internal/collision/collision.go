// Package collision implementa o CollisionResolver: a decisão, tomada
// quando um peer aparece simultaneamente nos lados inbound e outbound, de
// qual link sobrevive.
//
// Sem equivalente direto no repositório original — o teacher nunca trata
// colisão entre CentralConnected e um dial em curso; um simplesmente
// sobrescrevia o outro em peers[id] (mesh_service.go). A estrutura de
// espera com polling é grounded no padrão leitura-então-mutação de
// addOrUpdatePeer/getPeer do mesmo arquivo; o token efêmero usa o idioma
// hex de utils.GenerateRandomID (pkg/utils).
package collision

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/driver"
	"github.com/permissionlesstech/meshcore/internal/ledger"
	"github.com/permissionlesstech/meshcore/pkg/utils"
)

// Config reúne os tunáveis de spec.md §4.5/§6.
type Config struct {
	DeferredTeardown      time.Duration
	InboundViabilityWait  time.Duration
	ViabilityPollInterval time.Duration
}

// DefaultConfig retorna os tunáveis padrão: 1500ms de desmonte adiado,
// 2500ms de espera de viabilidade inbound, polls de 50ms.
func DefaultConfig() Config {
	return Config{
		DeferredTeardown:      1500 * time.Millisecond,
		InboundViabilityWait:  2500 * time.Millisecond,
		ViabilityPollInterval: 50 * time.Millisecond,
	}
}

// LocalHintFunc retorna o hint local atual do nó, se houver.
type LocalHintFunc func() (ledger.PeerHint, bool)

// IsReadyFunc reporta se o ConnectionState do peer em addr já é Ready —
// isto é, se um handshake completo já existe sobre algum link com ele.
// A colisão nunca precisa conhecer o restante da máquina de estado: esta
// é a única pergunta que ela faz à camada de handshake.
type IsReadyFunc func(addr ledger.PeerAddress) bool

// InboundOutcome descreve o resultado de um evento CentralConnected
// processado pelo CollisionResolver.
type InboundOutcome int

const (
	// Accepted indica que a entrada deve ser instalada como ServerLink normal.
	Accepted InboundOutcome = iota
	// Deferred indica que a entrada foi instalada mas seu desmonte foi
	// agendado; o chamador deve armar um timer de DeferredTeardown.
	Deferred
	// HardRejected indica que a entrada foi recusada imediatamente via
	// DisconnectCentral, sem nunca entrar no ledger.
	HardRejected
)

// Resolver implementa as decisões de colisão de spec.md §4.5.
type Resolver struct {
	ledger    *ledger.Ledger
	drv       driver.Driver
	cfg       Config
	localHint LocalHintFunc
	isReady   IsReadyFunc
	log       *logrus.Entry

	sleep func(time.Duration)
	now   func() time.Time
}

// New cria um Resolver. isReady pode ser nil, caso em que nenhum peer é
// jamais considerado Ready (equivalente a sempre tratar a colisão pelo
// caminho de desmonte adiado em vez do hard-reject).
func New(l *ledger.Ledger, drv driver.Driver, cfg Config, localHint LocalHintFunc, isReady IsReadyFunc, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if isReady == nil {
		isReady = func(ledger.PeerAddress) bool { return false }
	}
	return &Resolver{
		ledger:    l,
		drv:       drv,
		cfg:       cfg,
		localHint: localHint,
		isReady:   isReady,
		log:       log.WithField("component", "collision"),
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// hintCollisionWithEstablished reporta se remoteHint já aponta para outro
// endereço (diferente de addr) que tem um link estabelecido.
func (r *Resolver) hintCollisionWithEstablished(addr ledger.PeerAddress, remoteHint ledger.PeerHint) bool {
	if remoteHint == ledger.NoHint {
		return false
	}
	for _, other := range r.ledger.AddressesForHint(remoteHint) {
		if other == addr {
			continue
		}
		if r.ledger.HasClient(other) || r.ledger.HasServer(other) {
			return true
		}
	}
	return false
}

// hintCollisionWithPendingDial reporta se remoteHint aponta para outro
// endereço com uma discagem pendente — o caso que o decide endereçar via
// desmonte adiado em vez de rejeição imediata.
func (r *Resolver) hintCollisionWithPendingDial(addr ledger.PeerAddress, remoteHint ledger.PeerHint) bool {
	if remoteHint == ledger.NoHint {
		return false
	}
	for _, other := range r.ledger.AddressesForHint(remoteHint) {
		if other == addr {
			continue
		}
		if r.ledger.HasPendingDial(other) {
			return true
		}
	}
	return false
}

// HandleCentralConnected processa um evento CentralConnected(addr) contra
// as regras de spec.md §4.5. A ordem de avaliação resolve a aparente
// sobreposição entre "Hard rejects" e "Inbound-first race" do texto da
// especificação — ver DESIGN.md para a decisão registrada:
//
//  1. ConnectionState já Ready com este peer, ou colisão de hint com outro
//     endereço já estabelecido -> HardRejected (rejeição imediata, nunca
//     entra no ledger).
//  2. Discagem pendente para este mesmo endereço, ClientLink já presente
//     para este mesmo endereço, ou colisão de hint com um endereço em
//     discagem pendente -> Deferred (instalado, desmonte agendado).
//  3. Caso contrário -> Accepted.
func (r *Resolver) HandleCentralConnected(ctx context.Context, link *ledger.ServerLink, remoteHint ledger.PeerHint) InboundOutcome {
	addr := link.Address

	if r.isReady(addr) || r.hintCollisionWithEstablished(addr, remoteHint) {
		r.log.WithField("addr", addr).Info("hard-rejecting inbound: peer already Ready or hint collision with established peer")
		_ = r.drv.DisconnectCentral(ctx, addr)
		r.ledger.BlockResponderHandshake(addr)
		return HardRejected
	}

	if r.ledger.HasPendingDial(addr) || r.ledger.HasClient(addr) || r.hintCollisionWithPendingDial(addr, remoteHint) {
		r.ledger.AddServer(link)
		deadline := r.now().Add(r.cfg.DeferredTeardown)
		r.ledger.ScheduleDeferredTeardown(addr, deadline)
		r.log.WithFields(logrus.Fields{"addr": addr, "deadline": deadline}).Info("deferring inbound teardown: outbound race in flight")
		return Deferred
	}

	r.ledger.AddServer(link)
	return Accepted
}

// OnViabilityObserved é chamado quando uma assinatura de característica é
// observada ou um handshake começa sobre um ServerLink com desmonte
// adiado — condições (a)/(b) de spec.md §4.5. Comita (cancela) o desmonte,
// preservando o ServerLink, a menos que o guard de assinatura duplicada
// (OnDuplicateSubscription) já tenha decidido o contrário para este
// endereço.
func (r *Resolver) OnViabilityObserved(addr ledger.PeerAddress) bool {
	return r.ledger.CommitDeferredTeardown(addr)
}

// OnDuplicateSubscription implementa o "Duplicate-subscription guard" de
// spec.md §4.5: uma assinatura de notificação de um peer que já tem um
// ClientLink Ready não deve preservar o ServerLink duplicado, mesmo que
// tecnicamente satisfaça a condição de viabilidade (a). Em vez disso o
// desmonte é executado imediatamente e o peer é bloqueado para
// handshakes futuros no papel de responder.
//
// Decisão registrada em DESIGN.md: a frase da especificação "triggers
// immediate commit of deferred teardown" usa "commit" no sentido oposto
// ao definido alhures (onde commit = cancelar e preservar); aqui ela deve
// executar a remoção, pois do contrário o invariante "blocked_responder_
// handshakes nunca contém um endereço com link viável que pretendemos
// manter" seria violado.
func (r *Resolver) OnDuplicateSubscription(ctx context.Context, addr ledger.PeerAddress) bool {
	if !r.ledger.HasClient(addr) || !r.isReady(addr) {
		return false
	}
	r.log.WithField("addr", addr).Info("duplicate subscription after client ready: tearing down inbound, blocking responder handshake")
	_ = r.drv.DisconnectCentral(ctx, addr)
	r.ledger.RemoveServer(addr)
	r.ledger.BlockResponderHandshake(addr)
	return true
}

// ExpireDeferredTeardowns remove todo ServerLink cujo prazo de desmonte
// adiado expirou em now sem ter sido comitado, e libera a entrada do
// ledger. Deve ser chamado periodicamente pelo laço de eventos do núcleo.
func (r *Resolver) ExpireDeferredTeardowns(now time.Time) []ledger.PeerAddress {
	expired := r.ledger.ExpiredDeferredTeardowns(now)
	for _, addr := range expired {
		r.ledger.RemoveServer(addr)
		r.log.WithField("addr", addr).Info("deferred teardown expired: removing unconfirmed inbound")
	}
	return expired
}

// localToken retorna o token local usado no desempate: o hint local
// corrente se presente e não vazio, senão uma chave efêmera gerada na hora.
func (r *Resolver) localToken() string {
	if r.localHint != nil {
		if hint, ok := r.localHint(); ok && hint != ledger.NoHint {
			return string(hint)
		}
	}
	return string(utils.GenerateRandomID(8))
}

// remoteToken retorna o token do peer remoto: seu hint de broadcast se
// presente e não for o sentinela NoHint, senão seu endereço.
func remoteToken(remoteHint ledger.PeerHint, addr ledger.PeerAddress) string {
	if remoteHint != ledger.NoHint {
		return string(remoteHint)
	}
	return string(addr)
}

// TokenPrefersInbound é o comparador determinístico e simétrico de
// spec.md §4.5 passo 3: local e remote são comparados lexicograficamente,
// e o inbound é preferido sse local > remote. Exposto como função pura
// para ser testável isoladamente (spec.md §8, propriedade 6 de simetria
// de colisão) independentemente da temporização do poll de viabilidade.
func TokenPrefersInbound(local, remote string) bool {
	return local > remote
}

// ShouldYieldToInbound implementa spec.md §4.5 "Outbound-finds-inbound
// race": decide, quando uma discagem termina e um ServerLink para o mesmo
// endereço já existe, se o ClientLink recém-criado deve ceder ao
// ServerLink existente.
func (r *Resolver) ShouldYieldToInbound(ctx context.Context, addr ledger.PeerAddress, remoteHint ledger.PeerHint) bool {
	if r.ledger.HasPendingDial(addr) || r.ledger.HasDeferredTeardown(addr) {
		r.log.WithField("addr", addr).Debug("outbound race: pending dial or deferred teardown active, keeping client")
		return false
	}

	// O comparador de tokens é calculado antes do poll de viabilidade, não
	// depois: se as duas pontas observarem viabilidade na mesma janela
	// (propriedade 6, cenário S2), cada resolver precisa desempatar pelo
	// token já na primeira observação, não apenas ao esgotar a espera —
	// caso contrário as duas pontas retornariam true simultaneamente e
	// derrubariam os dois links físicos em vez de exatamente um.
	local := r.localToken()
	remote := remoteToken(remoteHint, addr)
	preferInbound := TokenPrefersInbound(local, remote)

	deadline := r.now().Add(r.cfg.InboundViabilityWait)
	for r.now().Before(deadline) {
		if r.ledger.IsViableServer(addr) {
			if preferInbound {
				r.log.WithFields(logrus.Fields{
					"addr": addr, "local_token": local, "remote_token": remote,
				}).Info("outbound race: inbound became viable and token prefers inbound, yielding")
				return true
			}
			r.log.WithFields(logrus.Fields{
				"addr": addr, "local_token": local, "remote_token": remote,
			}).Info("outbound race: inbound became viable but token prefers outbound, keeping client")
			return false
		}
		r.sleep(r.cfg.ViabilityPollInterval)
	}

	r.log.WithFields(logrus.Fields{
		"addr": addr, "local_token": local, "remote_token": remote, "token_prefers_inbound": preferInbound,
	}).Info("outbound race: inbound viability wait exhausted, keeping client (symmetry preservation)")

	// Regra de preservação de simetria (passo 4): um inbound preferido por
	// token mas que nunca chegou a ficar viável dentro da espera não é
	// mantido — o outbound permanece mesmo que o token o tivesse preferido.
	return false
}
