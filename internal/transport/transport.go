// Package transport implementa o TransportQueue: o pipeline de escrita
// serializado que fragmenta payloads de saída, repassa fragmentos
// recebidos para outros links com decremento de TTL por salto, e
// suprime o caminho de retorno via o filtro de loop-avoidance.
//
// Grounded em sendFragmentedPacket/handleFragmentPacket/FragmentManager
// (internal/bluetooth/mesh_linux.go no repositório original) e no par de
// canais outgoingMessages/incomingMessages de mesh_service.go,
// generalizados aqui em uma única fila FIFO síncrona — em vez de duas
// goroutines com dois channels bufferizados independentes — para
// preservar a disciplina de escritor único de spec.md §5: não há uma
// segunda goroutine de bombeamento, apenas um método Drain chamado pelo
// laço de eventos de internal/core.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/driver"
	"github.com/permissionlesstech/meshcore/internal/ledger"
	"github.com/permissionlesstech/meshcore/internal/wire"
)

var (
	// ErrNoUsableLink indica que nenhum egresso central ou peripheral está disponível.
	ErrNoUsableLink = errors.New("transport: nenhum link utilizável")
	// ErrEncryptionRequired indica que o provedor de criptografia está indisponível.
	ErrEncryptionRequired = errors.New("transport: criptografia exigida e indisponível")
	// ErrWriteFailedTransient indica uma falha de escrita recuperável.
	ErrWriteFailedTransient = errors.New("transport: escrita falhou (transitório)")
	// ErrWriteFailedFatal indica uma falha de escrita não recuperável.
	ErrWriteFailedFatal = errors.New("transport: escrita falhou (fatal)")
	// ErrHandshakeSendFailed indica que o envio rápido de handshake não pôde
	// aguardar uma assinatura de notificação a tempo.
	ErrHandshakeSendFailed = errors.New("transport: envio de handshake falhou")
)

// CryptoProvider é a interface externa de criptografia que spec.md §1/§4.6
// trata como caixa-preta. EncryptionRequired é retornado pelo chamador
// quando este provedor é nil.
type CryptoProvider interface {
	Encrypt(recipient ledger.PeerAddress, plaintext []byte) ([]byte, error)
}

// Config reúne os tunáveis de spec.md §4.6/§6.
type Config struct {
	DefaultTTL               uint8
	MTUDefault                int
	InterTaskDelay           time.Duration
	InterFragmentDelayCentral time.Duration
	InterFragmentDelayForward time.Duration
	PeripheralNotifyWait     time.Duration
	ReassemblyStaleWindow    time.Duration
}

// DefaultConfig retorna os defaults de spec.md §6: default_ttl=7,
// mtu de originação 244, atrasos de 50ms/20ms/10ms, espera de
// notificação peripheral de 1200ms.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:                7,
		MTUDefault:                244,
		InterTaskDelay:            50 * time.Millisecond,
		InterFragmentDelayCentral: 20 * time.Millisecond,
		InterFragmentDelayForward: 10 * time.Millisecond,
		PeripheralNotifyWait:      1200 * time.Millisecond,
		ReassemblyStaleWindow:     30 * time.Second,
	}
}

// ReconnectFunc é chamado quando um envio de handshake falha por timeout
// de assinatura, para disparar a reconexão do ClientLink correspondente
// (spec.md §4.6 "Handshake fast path").
type ReconnectFunc func(ctx context.Context, addr ledger.PeerAddress)

// FatalFunc é chamado quando a fila encontra um erro fatal de escrita,
// sinalizando o HealthMonitor conforme spec.md §7.
type FatalFunc func(ctx context.Context, addr ledger.PeerAddress, err error)

type taskKind int

const (
	taskWrite taskKind = iota
)

type writeTarget struct {
	kind           egressKind
	addr           ledger.PeerAddress // peer (client) ou central (peripheral)
	characteristic string
}

type queuedTask struct {
	kind          taskKind
	target        writeTarget
	fragments     [][]byte
	interFragment time.Duration
	retried       bool
}

type egressKind int

const (
	egressClient egressKind = iota
	egressPeripheral
)

// Queue é o TransportQueue de spec.md §4.6.
type Queue struct {
	ledger *ledger.Ledger
	drv    driver.Driver
	cfg    Config
	crypto CryptoProvider
	reasm  *wire.ReassemblyBuffer
	log    *logrus.Entry

	onReconnect ReconnectFunc
	onFatal     FatalFunc

	tasks      []queuedTask
	processing bool

	sleep func(time.Duration)
	now   func() time.Time
}

// New cria uma Queue vazia. crypto pode ser nil — nesse caso Send retorna
// ErrEncryptionRequired imediatamente.
func New(l *ledger.Ledger, drv driver.Driver, cfg Config, crypto CryptoProvider, onReconnect ReconnectFunc, onFatal FatalFunc, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{
		ledger:      l,
		drv:         drv,
		cfg:         cfg,
		crypto:      crypto,
		reasm:       wire.NewReassemblyBuffer(cfg.ReassemblyStaleWindow),
		log:         log.WithField("component", "transport"),
		onReconnect: onReconnect,
		onFatal:     onFatal,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// Pending retorna o número de tarefas aguardando processamento.
func (q *Queue) Pending() int { return len(q.tasks) }

// primaryEgress escolhe o egresso único de uma originação: o ClientLink
// mais antigo com característica de mensagens descoberta se algum
// existir, senão o ServerLink mais antigo com assinatura observada (o
// papel peripheral).
// spec.md §4.6 fala do "egresso escolhido" no singular para originação —
// ver DESIGN.md para a leitura adotada quando múltiplos links coexistem.
func (q *Queue) primaryEgress() (writeTarget, bool) {
	for _, c := range q.ledger.ClientsByAge() {
		if c.MessageCharacteristic != "" {
			return writeTarget{kind: egressClient, addr: c.Address, characteristic: c.MessageCharacteristic}, true
		}
	}
	for _, s := range q.ledger.ServersByAge() {
		if s.SubscribedCharacteristic != "" {
			return writeTarget{kind: egressPeripheral, addr: s.Address, characteristic: s.SubscribedCharacteristic}, true
		}
	}
	return writeTarget{}, false
}

func (q *Queue) egressMTU(t writeTarget) int {
	if t.kind == egressClient {
		if c, ok := q.ledger.Client(t.Address()); ok && c.MTU != nil {
			return *c.MTU
		}
	} else {
		if s, ok := q.ledger.Server(t.Address()); ok && s.MTU != nil {
			return *s.MTU
		}
	}
	return q.cfg.MTUDefault
}

// Address is a tiny accessor so writeTarget reads naturally above; kept
// as a method instead of a bare field reference because egressMTU/Forward
// both need the same peer-address regardless of kind.
func (t writeTarget) Address() ledger.PeerAddress { return t.addr }

// Send implementa o "Originating send" de spec.md §4.6: criptografa,
// lê o MTU corrente, fragmenta com o TTL inicial configurado e enfileira
// a escrita em ordem com atraso entre fragmentos no egresso escolhido.
func (q *Queue) Send(ctx context.Context, recipient []byte, originalType wire.FrameType, payload []byte) error {
	if q.crypto == nil {
		return ErrEncryptionRequired
	}
	target, ok := q.primaryEgress()
	if !ok {
		return ErrNoUsableLink
	}

	ciphertext, err := q.crypto.Encrypt(target.Address(), payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionRequired, err)
	}

	mtu := q.egressMTU(target)
	fragID := wire.NewFragmentID()
	frags := wire.Split(ciphertext, originalType, recipient, mtu, q.cfg.DefaultTTL, fragID)

	encoded := make([][]byte, len(frags))
	for i, f := range frags {
		encoded[i] = wire.Encode(f)
	}

	delay := q.cfg.InterFragmentDelayCentral
	q.enqueue(ctx, queuedTask{kind: taskWrite, target: target, fragments: encoded, interFragment: delay})
	return nil
}

// SendHandshake implementa o "Handshake fast path" de spec.md §4.6: um
// frame único de controle de handshake com tamanho <= MTU é enviado sem
// fragmentação. No caminho peripheral, aguarda uma assinatura de
// notificação observada antes de enviar; no timeout falha com
// ErrHandshakeSendFailed e dispara a reconexão do ClientLink
// correspondente.
func (q *Queue) SendHandshake(ctx context.Context, recipient []byte, frame wire.FrameType, payload []byte) error {
	target, ok := q.primaryEgress()
	if !ok {
		return ErrNoUsableLink
	}

	mtu := q.egressMTU(target)
	fragID := wire.NewFragmentID()
	if len(payload)+13+3+len(recipient) > mtu {
		return q.Send(ctx, recipient, frame, payload)
	}

	if target.kind == egressPeripheral {
		deadline := q.now().Add(q.cfg.PeripheralNotifyWait)
		for {
			if s, ok := q.ledger.Server(target.Address()); ok && s.SubscribedCharacteristic != "" {
				break
			}
			if !q.now().Before(deadline) {
				if q.onReconnect != nil {
					q.onReconnect(ctx, target.Address())
				}
				return ErrHandshakeSendFailed
			}
			q.sleep(50 * time.Millisecond)
		}
	}

	f := &wire.Fragment{FragmentID: fragID, Index: 0, Total: 1, TTL: q.cfg.DefaultTTL, OriginalType: frame, Recipient: recipient, Payload: payload}
	q.enqueue(ctx, queuedTask{kind: taskWrite, target: target, fragments: [][]byte{wire.Encode(f)}, interFragment: q.cfg.InterFragmentDelayCentral})
	return nil
}

// ShouldSkipForward implementa a função de loop-avoidance de spec.md
// §4.6: true sse to==from, ou o peer-id resolvido (hint cacheado, usado
// no lugar do contact-key externo fora de escopo) de to coincide com
// from ou fromNodeID, ou o hint de to coincide com fromNodeID, ou o mapa
// node_id -> last_ingress_addr resolve fromNodeID para to.
func (q *Queue) ShouldSkipForward(to, from ledger.PeerAddress, fromNodeID string) bool {
	if to == from {
		return true
	}
	if hint, ok := q.ledger.PeerHintFor(to); ok && hint != ledger.NoHint {
		if string(hint) == string(from) || string(hint) == fromNodeID {
			return true
		}
	}
	if resolved, ok := q.ledger.ResolveIngress(fromNodeID); ok && resolved == to {
		return true
	}
	return false
}

// Forward implementa "Forward (relay)" de spec.md §4.6: para cada
// ClientLink elegível e cada ServerLink com assinatura observada (o lado
// peripheral), decrementa o TTL no
// lugar se o fragmento couber no MTU remoto; caso contrário consulta o
// buffer de reassemblagem para re-fragmentar ao novo MTU. Fragmentos cujo
// TTL decrementado chega a zero são descartados sem reenvio.
func (q *Queue) Forward(ctx context.Context, encoded []byte, ingress ledger.PeerAddress, fromNodeID string) {
	if complete, payload := q.observeForReassembly(encoded); complete {
		_ = payload // retained via q.reasm.Lookup for re-fragmentation below
	}

	for _, c := range q.ledger.ClientsByAge() {
		if c.MessageCharacteristic == "" {
			continue
		}
		if q.ShouldSkipForward(c.Address, ingress, fromNodeID) {
			continue
		}
		q.forwardToOne(ctx, writeTarget{kind: egressClient, addr: c.Address, characteristic: c.MessageCharacteristic}, encoded)
	}
	for _, s := range q.ledger.ServersByAge() {
		if s.SubscribedCharacteristic == "" {
			continue
		}
		if q.ShouldSkipForward(s.Address, ingress, fromNodeID) {
			continue
		}
		q.forwardToOne(ctx, writeTarget{kind: egressPeripheral, addr: s.Address, characteristic: s.SubscribedCharacteristic}, encoded)
	}
}

// observeForReassembly feeds a forwarded fragment into the reassembly
// buffer so a later re-fragmentation to a smaller MTU has the full
// original payload available, without this node being the final
// recipient.
func (q *Queue) observeForReassembly(encoded []byte) (bool, []byte) {
	f, err := wire.Decode(encoded)
	if err != nil {
		return false, nil
	}
	return q.reasm.Add(f, q.now())
}

func (q *Queue) forwardToOne(ctx context.Context, target writeTarget, encoded []byte) {
	remoteMTU := q.egressMTU(target)

	if len(encoded) <= remoteMTU {
		out := append([]byte(nil), encoded...)
		ttl, err := wire.DecrementTTL(out)
		if err != nil {
			q.log.WithField("addr", target.Address()).Warn("forward: malformed fragment, dropping")
			return
		}
		if ttl == 0 {
			q.log.WithField("addr", target.Address()).Debug("forward: TTL exhausted, dropping")
			return
		}
		q.enqueue(ctx, queuedTask{kind: taskWrite, target: target, fragments: [][]byte{out}, interFragment: q.cfg.InterFragmentDelayForward})
		return
	}

	f, err := wire.Decode(encoded)
	if err != nil {
		return
	}
	if f.TTL == 0 {
		return
	}
	newTTL := f.TTL - 1
	if newTTL == 0 {
		q.log.WithField("addr", target.Address()).Debug("forward: TTL would exhaust on re-fragment, dropping")
		return
	}

	full, ok := q.reasm.Lookup(f.FragmentID)
	if !ok {
		q.log.WithFields(logrus.Fields{"addr": target.Address(), "fragment_id": f.FragmentID}).Warn("forward: fragment exceeds remote MTU and full payload unavailable, dropping")
		return
	}

	refragged := wire.Split(full, f.OriginalType, f.Recipient, remoteMTU, newTTL, f.FragmentID)
	encodedFrags := make([][]byte, len(refragged))
	for i, rf := range refragged {
		encodedFrags[i] = wire.Encode(rf)
	}
	q.enqueue(ctx, queuedTask{kind: taskWrite, target: target, fragments: encodedFrags, interFragment: q.cfg.InterFragmentDelayForward})
}

// enqueue appends t to the FIFO and immediately drains — there is no
// second goroutine pumping the queue, so enqueue and drain share the
// single writer's call stack, per spec.md §5.
func (q *Queue) enqueue(ctx context.Context, t queuedTask) {
	q.tasks = append(q.tasks, t)
	q.drain(ctx)
}

// drain processes queued tasks one at a time, asserting a usable egress
// before each and sleeping between tasks/fragments. A task that finds no
// usable egress aborts the drain, leaving remaining tasks queued and
// clearing processing — spec.md §4.6's exact recovery behaviour.
func (q *Queue) drain(ctx context.Context) {
	if q.processing {
		return
	}
	q.processing = true
	defer func() { q.processing = false }()

	for len(q.tasks) > 0 {
		t := q.tasks[0]

		if !q.egressUsable(t.target) {
			q.log.WithField("addr", t.target.Address()).Warn("drain: no usable egress, aborting with tasks remaining")
			return
		}

		if err := q.runTask(ctx, t); err != nil {
			if errors.Is(err, ErrWriteFailedTransient) && !t.retried {
				t.retried = true
				q.tasks[0] = t
				q.sleep(q.cfg.InterTaskDelay)
				continue
			}
			q.log.WithField("addr", t.target.Address()).WithError(err).Error("drain: task failed fatally, aborting queue")
			if q.onFatal != nil {
				q.onFatal(ctx, t.target.Address(), err)
			}
			q.tasks = q.tasks[1:]
			return
		}

		q.tasks = q.tasks[1:]
		if len(q.tasks) > 0 {
			q.sleep(q.cfg.InterTaskDelay)
		}
	}
}

func (q *Queue) egressUsable(t writeTarget) bool {
	if t.kind == egressClient {
		c, ok := q.ledger.Client(t.Address())
		return ok && c.MessageCharacteristic != ""
	}
	s, ok := q.ledger.Server(t.Address())
	return ok && s.SubscribedCharacteristic != ""
}

func (q *Queue) runTask(ctx context.Context, t queuedTask) error {
	for i, frag := range t.fragments {
		var err error
		if t.target.kind == egressClient {
			err = q.drv.WriteCharacteristic(ctx, string(t.target.Address()), t.target.characteristic, frag, driver.WriteWithResponse)
		} else {
			err = q.drv.NotifyCharacteristic(ctx, string(t.target.Address()), t.target.characteristic, frag)
		}
		if err != nil {
			if driver.IsTransient(err) {
				return fmt.Errorf("%w: %v", ErrWriteFailedTransient, err)
			}
			return fmt.Errorf("%w: %v", ErrWriteFailedFatal, err)
		}
		if i < len(t.fragments)-1 {
			q.sleep(t.interFragment)
		}
	}
	return nil
}
