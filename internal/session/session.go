// Package session owns the connection to the server: one streaming
// websocket plus the bearings bootstrap that seeds the replica. The
// lifecycle is Connecting -> Bootstrapping -> Live -> Closed; every
// re-entry into Bootstrapping clears the store first, so nothing from a
// prior session epoch survives a reconnect.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/seabed/spyglass/internal/access"
	"github.com/seabed/spyglass/internal/api"
	"github.com/seabed/spyglass/internal/bus"
	"github.com/seabed/spyglass/internal/dispatch"
	"github.com/seabed/spyglass/internal/protocol"
	"github.com/seabed/spyglass/internal/shared"
	"github.com/seabed/spyglass/internal/store"
)

// State is the session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateBootstrapping
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy decides what happens when the stream closes underneath a live
// session. The two are never mixed: a deployment picks one.
type Policy int

const (
	// PolicyFailClosed surfaces the closure; the caller decides
	// whether and when to Subscribe again.
	PolicyFailClosed Policy = iota
	// PolicyResubscribe immediately re-runs the Connecting ->
	// Bootstrapping cycle, including the clear-then-bulk-insert.
	PolicyResubscribe
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fail-closed", "":
		return PolicyFailClosed, nil
	case "resubscribe":
		return PolicyResubscribe, nil
	default:
		return 0, fmt.Errorf("unknown reconnect policy %q (want fail-closed or resubscribe)", s)
	}
}

const (
	defaultQueueSize = 256
	resubscribeDelay = time.Second
)

// Config holds the session's connection settings.
type Config struct {
	// EventsURL is the websocket endpoint (ws:// or wss://).
	EventsURL string
	// BearingsPath is the bootstrap snapshot path on the api client's
	// base URL.
	BearingsPath string
	// Token is the bearer token presented on the websocket dial.
	Token string
	// Policy is the transport-close policy.
	Policy Policy
	// QueueSize bounds the inbound frame queue between the reader and
	// the apply loop. Zero means the default.
	QueueSize int
}

// Session is one authenticated connection epoch: the store, grants and
// dispatcher it feeds all live exactly as long as it does.
type Session struct {
	cfg        Config
	id         string
	store      *store.Store
	grants     *access.Grants
	dispatcher *dispatch.Dispatcher
	client     *api.Client
	bus        *bus.Bus
	logger     *slog.Logger

	mu      sync.RWMutex
	state   State
	user    protocol.User
	current store.Entity
	conn    *websocket.Conn
	cancel  context.CancelFunc
}

// New assembles a Session around an existing store, grants, dispatcher
// and api client. Nothing connects until Subscribe is called.
func New(cfg Config, s *store.Store, g *access.Grants, d *dispatch.Dispatcher, c *api.Client, b *bus.Bus, logger *slog.Logger) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		cfg:        cfg,
		id:         id,
		store:      s,
		grants:     g,
		dispatcher: d,
		client:     c,
		bus:        b,
		logger:     logger.With("session", id),
		state:      StateClosed,
	}
}

// ID returns the client-side session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// User returns the authenticated user record from the last bootstrap.
func (s *Session) User() protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// CurrentTenant returns the tenant the session is working under, or nil.
func (s *Session) CurrentTenant() store.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Use switches the current tenant. Returns false when the tenant is
// unknown to the replica.
func (s *Session) Use(tenantUUID string) bool {
	tenant := s.store.Get(store.KindTenant, tenantUUID)
	if tenant == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = tenant
	return true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{State: state.String()})
}

// Subscribe opens the stream, bootstraps the replica, and leaves the
// session Live with its reader and apply loops running. It returns an
// error (and the session Closed) if the dial or the bootstrap fails;
// later stream closures are handled per the configured policy.
func (s *Session) Subscribe(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	conn, events, err := s.connect(ctx)
	if err != nil {
		cancel()
		s.setState(StateClosed)
		return err
	}

	exit := make(chan error, 1)
	go s.read(runCtx, conn, events, exit)
	go s.apply(events)
	go s.supervise(runCtx, exit)
	return nil
}

// connect performs one Connecting -> Bootstrapping cycle and returns
// the live connection plus the frame queue feeding the apply loop.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, chan protocol.Envelope, error) {
	// One trace id covers the dial and every bootstrap request.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	s.setState(StateConnecting)
	s.logger.Info("session: connecting", "url", s.cfg.EventsURL, "trace", shared.TraceID(ctx))

	opts := &websocket.DialOptions{}
	if s.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, s.cfg.EventsURL, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("dial event stream: %w", err)
	}
	// Frames can outpace the apply loop during bootstrap; the queue is
	// bounded, and within it, arrival order is preserved.
	conn.SetReadLimit(1 << 22)

	s.setState(StateBootstrapping)
	if err := s.bootstrap(ctx); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bootstrap failed")
		return nil, nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateLive)
	return conn, make(chan protocol.Envelope, s.cfg.QueueSize), nil
}

// bootstrap fetches the bearings snapshot and replaces the replica's
// contents with it.
func (s *Session) bootstrap(ctx context.Context) error {
	s.logger.Info("session: fetching bearings", "path", s.cfg.BearingsPath)

	var bearings protocol.Bearings
	if err := s.client.Do(ctx, api.Request{
		Method: http.MethodGet,
		Path:   s.cfg.BearingsPath,
	}, &bearings); err != nil {
		return fmt.Errorf("fetch bearings: %w", err)
	}

	// Fresh epoch: drop everything before the bulk insert.
	s.store.Clear()
	s.grants.SetLocked(bearings.Vault == "locked")

	for _, endpoint := range bearings.Stores {
		s.insert(store.KindStore, endpoint)
	}

	for tenantUUID, tenant := range bearings.Tenants {
		s.grants.GrantTenant(tenantUUID, tenant.Role)

		for _, archive := range tenant.Archives {
			s.insert(store.KindArchive, archive)
		}
		for _, job := range tenant.Jobs {
			job["tenant_uuid"] = tenantUUID
			flattenRef(job, "store", "store_uuid")
			flattenRef(job, "target", "target_uuid")
			s.insert(store.KindJob, job)
		}
		for _, target := range tenant.Targets {
			target["tenant_uuid"] = tenantUUID
			s.insert(store.KindTarget, target)
		}
		for _, endpoint := range tenant.Stores {
			endpoint["tenant_uuid"] = tenantUUID
			s.insert(store.KindStore, endpoint)
		}
		for _, agent := range tenant.Agents {
			s.insert(store.KindAgent, agent)
		}
		s.insert(store.KindTenant, tenant.Tenant)
	}

	s.grants.Grant(bearings.User.SysRole)

	s.mu.Lock()
	s.user = bearings.User
	s.mu.Unlock()
	s.selectDefaultTenant(bearings.User.DefaultTenant)

	s.logger.Info("session: bootstrapped",
		"user", bearings.User.Name,
		"tenants", len(bearings.Tenants),
		"sysrole", bearings.User.SysRole)
	return nil
}

func (s *Session) insert(kind store.Kind, e store.Entity) {
	if err := s.store.Insert(kind, e); err != nil {
		s.logger.Warn("session: skipping snapshot entity", "kind", kind, "error", err)
	}
}

// flattenRef rewrites an embedded {uuid: ...} reference into a flat
// foreign-key field, the shape the stream events use.
func flattenRef(e store.Entity, field, uuidField string) {
	ref, ok := e[field].(map[string]any)
	if !ok {
		return
	}
	if uuid, ok := ref["uuid"].(string); ok {
		e[uuidField] = uuid
	}
	delete(e, field)
}

// selectDefaultTenant picks the user's default tenant, falling back to
// the first tenant by name.
func (s *Session) selectDefaultTenant(defaultUUID string) {
	current := s.store.Get(store.KindTenant, defaultUUID)
	if current == nil {
		tenants := s.store.All(store.KindTenant)
		sort.Slice(tenants, func(i, j int) bool {
			return tenants[i].Str("name") < tenants[j].Str("name")
		})
		if len(tenants) > 0 {
			current = tenants[0]
		}
	}
	s.mu.Lock()
	s.current = current
	s.mu.Unlock()
}

// read pulls frames off the wire in arrival order and queues them for
// the apply loop. Malformed frames are logged and dropped here; the
// stream stays up.
func (s *Session) read(ctx context.Context, conn *websocket.Conn, events chan<- protocol.Envelope, exit chan<- error) {
	defer close(events)
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			exit <- err
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			s.logger.Warn("session: dropping malformed frame", "error", err)
			s.bus.Publish(bus.TopicFrameDropped, bus.FrameDroppedEvent{Reason: err.Error()})
			continue
		}
		select {
		case events <- env:
		case <-ctx.Done():
			exit <- ctx.Err()
			return
		}
	}
}

// apply is the single consumer of the frame queue; all replica mutation
// for this epoch happens here, in arrival order.
func (s *Session) apply(events <-chan protocol.Envelope) {
	for env := range events {
		s.dispatcher.Apply(env)
	}
}

// supervise waits for the reader to exit and applies the close policy.
func (s *Session) supervise(ctx context.Context, exit <-chan error) {
	err := <-exit
	if ctx.Err() != nil {
		// Deliberate Close; nothing to do.
		return
	}

	closeStatus := websocket.CloseStatus(err)
	s.logger.Warn("session: stream closed", "error", err, "status", closeStatus)

	if s.cfg.Policy == PolicyFailClosed {
		s.setState(StateClosed)
		return
	}

	// PolicyResubscribe: keep cycling until it sticks or Close is
	// called. Each successful cycle re-bootstraps from scratch.
	for {
		conn, events, err := s.connect(ctx)
		if err == nil {
			nextExit := make(chan error, 1)
			go s.read(ctx, conn, events, nextExit)
			go s.apply(events)
			go s.supervise(ctx, nextExit)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("session: resubscribe failed", "error", err)
		select {
		case <-time.After(resubscribeDelay):
		case <-ctx.Done():
			return
		}
	}
}

// Close tears the session down: the stream is closed, in-flight api
// calls are aborted, and the state goes to Closed. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// No close handshake: the session is going away either way.
		_ = conn.CloseNow()
	}
	s.client.AbortAll()
	s.setState(StateClosed)
	return nil
}
