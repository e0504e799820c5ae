// Package minion owns exactly one websocket to one relay for the
// lifetime of the connection, adapted from the teacher's
// pkg/nostr/client.T onto this engine's explicit
// Idle→Connecting→Authenticating→Subscribed⇄Reconnecting→Dead state
// machine.
package minion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mikedilger/gossip/nostr/connection"
	"github.com/mikedilger/gossip/nostr/envelopes"
	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/filters"
	"github.com/mikedilger/gossip/nostr/nip11"
	"github.com/mikedilger/gossip/nostr/nip42"
	"github.com/mikedilger/gossip/nostr/relayurl"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/subscriptionid"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/processor"
	"github.com/mikedilger/gossip/xlog"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = xlog.New(os.Stderr)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateReconnecting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Lifetime governs when a subscription is torn down.
type Lifetime int

const (
	LifetimeTransient Lifetime = iota
	LifetimePersistentUntilSuperseded
	LifetimePersistentForever
)

type subscription struct {
	id       subscriptionid.T
	filters  filters.T
	lifetime Lifetime
	cursor   timestamp.T
	overlap  time.Duration
}

// Severity classifies a connection failure for backoff and avoidance
// purposes.
type Severity int

const (
	SeverityMinor Severity = iota
	SeverityMedium
	SeverityMajor
)

// Overlord is the subset of cross-minion coordination the minion needs
// to call back into; the Overlord package supplies the real
// implementation.
type Overlord interface {
	MinionEOSE(url string, subID subscriptionid.T)
	MinionClosed(url string, subID subscriptionid.T, reason string)
	MinionExited(url string, severity Severity, reason string)
	// AuthPermission reports whether the user has pre-granted
	// authentication to this relay. On false the minion leaves the
	// challenge unanswered; no prompt is raised, and the challenge is
	// not answered later on the same connection.
	AuthPermission(url string) bool
	// NIP11Cache returns whatever NIP-11 document and ETag are already
	// on file for url, so a reconnect can issue a conditional request.
	NIP11Cache(url string) (info *nip11.Info, etag string)
	// StoreNIP11 persists a freshly fetched document and its ETag.
	StoreNIP11(url string, info *nip11.Info, etag string)
}

type pendingPublish struct {
	ok     chan bool
	reason chan string
}

// M is a minion: one websocket connection, its subscriptions and its
// outbound publish queue.
type M struct {
	url       relayurl.T
	state     atomic.Int32
	conn      *connection.C
	ctx       context.Context
	cancel    context.CancelFunc
	signer    signer.I
	overlord  Overlord
	processor *processor.P

	subs       *xsync.MapOf[string, *subscription]
	pending    *xsync.MapOf[string, *pendingPublish]
	writeQueue chan []byte
	challenge  string
	backoff    time.Duration
	pingEvery  time.Duration
	lastPong   atomic.Value
	closeOnce  sync.Once
}

const (
	baseBackoff = 2 * time.Second
	maxBackoff  = 5 * time.Minute
)

func New(url relayurl.T, sgnr signer.I, ovl Overlord, proc *processor.P) *M {
	return &M{
		url:        url,
		signer:     sgnr,
		overlord:   ovl,
		processor:  proc,
		subs:       xsync.NewMapOf[*subscription](),
		pending:    xsync.NewMapOf[*pendingPublish](),
		writeQueue: make(chan []byte, 64),
		backoff:    baseBackoff,
		pingEvery:  29 * time.Second,
	}
}

func (m *M) State() State { return State(m.state.Load()) }
func (m *M) setState(s State) { m.state.Store(int32(s)) }

// Run drives the minion's whole lifecycle until ctx is canceled or the
// relay is put to Dead. It reconnects with exponential backoff between
// attempts and should be launched once per relay in its own goroutine.
func (m *M) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	for {
		select {
		case <-m.ctx.Done():
			m.setState(StateDead)
			return
		default:
		}
		if err := m.connectAndServe(); err != nil {
			sev := classifyError(err)
			m.overlord.MinionExited(string(m.url), sev, err.Error())
			if sev == SeverityMajor {
				m.setState(StateDead)
				return
			}
		}
		m.setState(StateReconnecting)
		wait := m.nextBackoff()
		select {
		case <-m.ctx.Done():
			m.setState(StateDead)
			return
		case <-time.After(wait):
		}
	}
}

func (m *M) nextBackoff() time.Duration {
	d := m.backoff
	m.backoff *= 2
	if m.backoff > maxBackoff {
		m.backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

// errPermanentReject marks a CLOSED or OK envelope whose reason carries
// one of NIP-01's "blocked"/"restricted" machine-readable prefixes: the
// relay has told us, in-protocol, that it will not serve this client
// going forward, not just that this one request failed.
var errPermanentReject = errors.New("relay issued a permanent reject")

func isPermanentReject(reason string) bool {
	return strings.HasPrefix(reason, "blocked:") || strings.HasPrefix(reason, "restricted:")
}

func classifyError(err error) Severity {
	if err == nil {
		return SeverityMinor
	}
	if errors.Is(err, errPermanentReject) || errors.Is(err, nip11.ErrInvalidDocument) {
		return SeverityMajor
	}
	return SeverityMedium
}

// connectAndServe opens the websocket, fetches NIP-11 in parallel,
// starts the writer and ping loops and blocks reading frames until the
// connection drops or ctx is canceled.
func (m *M) connectAndServe() error {
	m.setState(StateConnecting)

	connectCtx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	defer cancel()

	var info *nip11.Info
	cachedInfo, etag := m.overlord.NIP11Cache(string(m.url))
	type nip11Result struct {
		info *nip11.Info
		err  error
	}
	resultCh := make(chan nip11Result, 1)
	go func() {
		i, newETag, unmodified, err := nip11.Fetch(connectCtx, m.url, etag)
		if err != nil {
			resultCh <- nip11Result{err: err}
			return
		}
		if unmodified {
			resultCh <- nip11Result{info: cachedInfo}
			return
		}
		m.overlord.StoreNIP11(string(m.url), i, newETag)
		resultCh <- nip11Result{info: i}
	}()

	conn, err := connection.Dial(connectCtx, string(m.url), http.Header{})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	m.conn = conn
	m.backoff = baseBackoff
	m.lastPong.Store(time.Now())
	conn.OnPong = func() { m.lastPong.Store(time.Now()) }
	select {
	case res := <-resultCh:
		if res.err != nil && errors.Is(res.err, nip11.ErrInvalidDocument) {
			_ = conn.Close()
			return fmt.Errorf("relay served an invalid nip-11 document: %w", res.err)
		}
		info = res.info
	case <-time.After(3 * time.Second):
	}
	if info != nil && info.Limitation != nil && info.Limitation.AuthRequired {
		m.setState(StateAuthenticating)
	} else {
		m.setState(StateSubscribed)
		m.resubscribeAll()
	}

	writerDone := make(chan struct{})
	go m.writeLoop(writerDone)

	err = m.readLoop()
	m.cancel()
	close(m.writeQueue)
	<-writerDone
	m.failAllPending()
	return err
}

// writeLoop is the connection's sole writer: every outbound frame,
// ping included, passes through here so two goroutines never write to
// the same socket at once.
func (m *M) writeLoop(done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if last, ok := m.lastPong.Load().(time.Time); ok && time.Since(last) > m.pingEvery {
				log.D.F("{%s} no pong since last ping, reconnecting", m.url)
				return
			}
			if err := wsutil.WriteClientMessage(m.conn.Conn, ws.OpPing, nil); chk.E(err) {
				return
			}
		case msg, ok := <-m.writeQueue:
			if !ok {
				return
			}
			if err := m.conn.WriteMessage(msg); chk.E(err) {
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *M) readLoop() error {
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err := m.conn.ReadMessage(m.ctx, buf); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		env, err := envelopes.Parse(buf.Bytes())
		if err != nil {
			log.D.F("{%s} could not parse envelope: %v", m.url, err)
			continue
		}
		if err := m.dispatch(env); err != nil {
			return err
		}
	}
}

// dispatch handles one parsed envelope, returning a non-nil error only
// when the relay has signaled a permanent reject: that ends the read
// loop so Run can classify the failure and decide whether to retire
// the relay for the session.
func (m *M) dispatch(env envelopes.I) error {
	switch e := env.(type) {
	case *envelopes.Event:
		m.processor.Process(m.ctx, e.Event, string(m.url), "")
		if sub, ok := m.subs.Load(e.SubscriptionID.String()); ok && e.Event.CreatedAt > sub.cursor {
			sub.cursor = e.Event.CreatedAt
		}

	case *envelopes.EOSE:
		m.overlord.MinionEOSE(string(m.url), e.SubscriptionID)
		if sub, ok := m.subs.Load(e.SubscriptionID.String()); ok && sub.lifetime == LifetimeTransient {
			m.closeSub(sub.id)
		}

	case *envelopes.Closed:
		m.subs.Delete(e.SubscriptionID.String())
		m.overlord.MinionClosed(string(m.url), e.SubscriptionID, e.Reason)
		if isPermanentReject(e.Reason) {
			return fmt.Errorf("%w: %s", errPermanentReject, e.Reason)
		}

	case *envelopes.OK:
		if p, ok := m.pending.LoadAndDelete(e.EventID.String()); ok {
			p.ok <- e.OK
			p.reason <- e.Reason
		}
		if !e.OK && isPermanentReject(e.Reason) {
			return fmt.Errorf("%w: %s", errPermanentReject, e.Reason)
		}

	case *envelopes.Notice:
		log.I.F("NOTICE from %s: %s", m.url, e.Text)

	case *envelopes.AuthChallenge:
		m.challenge = e.Challenge
		m.handleAuthChallenge()
	}
	return nil
}

func (m *M) handleAuthChallenge() {
	if !m.overlord.AuthPermission(string(m.url)) {
		log.D.F("{%s} auth challenge received, permission not granted", m.url)
		return
	}
	authEvent := nip42.CreateUnsigned(m.challenge, string(m.url))
	if err := m.signer.Sign(authEvent); chk.E(err) {
		return
	}
	resp := &envelopes.AuthResponse{Event: authEvent}
	enc, err := resp.MarshalJSON()
	if chk.E(err) {
		return
	}
	select {
	case m.writeQueue <- enc:
	case <-m.ctx.Done():
	}
	m.setState(StateSubscribed)
	m.resubscribeAll()
}

// Subscribe opens (or re-opens after reconnect) a subscription. cursor,
// when nonzero, narrows Since to the last-observed created_at minus
// overlap, so a reconnect asks only for newer events.
func (m *M) Subscribe(id subscriptionid.T, f filters.T, lifetime Lifetime, overlap time.Duration) {
	sub := &subscription{id: id, filters: f, lifetime: lifetime, overlap: overlap}
	m.subs.Store(id.String(), sub)
	if m.State() == StateSubscribed {
		m.sendReq(sub)
	}
}

func (m *M) resubscribeAll() {
	m.subs.Range(func(_ string, sub *subscription) bool {
		m.sendReq(sub)
		return true
	})
}

func (m *M) sendReq(sub *subscription) {
	f := sub.filters
	if sub.cursor > 0 {
		since := sub.cursor - timestamp.T(sub.overlap/time.Second)
		f = f.Clone()
		for _, one := range f {
			one.Since = &since
		}
	}
	req := &envelopes.Req{SubscriptionID: sub.id, Filters: f}
	enc, err := req.MarshalJSON()
	if chk.E(err) {
		return
	}
	select {
	case m.writeQueue <- enc:
	case <-m.ctx.Done():
	}
}

func (m *M) closeSub(id subscriptionid.T) {
	m.subs.Delete(id.String())
	close := &envelopes.Close{SubscriptionID: id}
	enc, err := close.MarshalJSON()
	if chk.E(err) {
		return
	}
	select {
	case m.writeQueue <- enc:
	case <-m.ctx.Done():
	}
}

// Publish sends ev and blocks (up to timeout) for the relay's OK
// response.
func (m *M) Publish(ctx context.Context, ev *event.T, timeout time.Duration) (ok bool, reason string, err error) {
	env := &envelopes.Event{Event: ev}
	enc, err := env.MarshalJSON()
	if err != nil {
		return false, "", err
	}
	p := &pendingPublish{ok: make(chan bool, 1), reason: make(chan string, 1)}
	m.pending.Store(ev.ID.String(), p)
	defer m.pending.Delete(ev.ID.String())

	select {
	case m.writeQueue <- enc:
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
	select {
	case ok = <-p.ok:
		reason = <-p.reason
		return ok, reason, nil
	case <-time.After(timeout):
		return false, "", fmt.Errorf("publish to %s timed out", m.url)
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

func (m *M) failAllPending() {
	m.pending.Range(func(id string, p *pendingPublish) bool {
		p.ok <- false
		p.reason <- "connection closed"
		return true
	})
}

// Shutdown closes the socket with a normal-close code, fails any
// pending publishes and stops Run's loop.
func (m *M) Shutdown() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.conn != nil {
			_ = m.conn.Close()
		}
	})
}
