package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/attrmesh/pkg/alerts"
	"github.com/cuemby/attrmesh/pkg/events"
	"github.com/cuemby/attrmesh/pkg/log"
	"github.com/cuemby/attrmesh/pkg/metrics"
	"github.com/cuemby/attrmesh/pkg/store"
	"github.com/cuemby/attrmesh/pkg/table"
	"github.com/cuemby/attrmesh/pkg/transport"
	"github.com/cuemby/attrmesh/pkg/types"
)

// Config holds everything the engine needs at construction.
type Config struct {
	NodeName string
	NodeID   uint32

	Store     store.Store
	Transport transport.Transport

	// DefaultDampen applies to attributes whose updates never carried a
	// dampening interval of their own.
	DefaultDampen time.Duration

	// Alerts is optional; nil disables alert dispatch.
	Alerts alerts.Dispatcher

	// Broker is optional; nil disables event publishing.
	Broker *events.Broker
}

// correlationKind distinguishes what an outstanding store call was for.
type correlationKind int

const (
	writeLocal correlationKind = iota
	writeRemote
	writeClearQuery
)

// correlation pairs an outstanding store call with what was submitted.
// Destroyed once its completion arrives; never persisted.
type correlation struct {
	kind  correlationKind
	name  string
	value *string
	desc  string
}

// Engine is the attribute replication engine: it owns the attribute
// table, coalesces updates per attribute through dampening timers, routes
// requests between peers and persists changes to the shared store.
//
// All state is confined to a single event-loop goroutine. Inbound
// requests, timer expirations and store completions each run as one
// discrete, non-preemptible step on that loop.
type Engine struct {
	nodeName      string
	nodeID        uint32
	defaultDampen time.Duration

	st     store.Store
	tr     transport.Transport
	al     alerts.Dispatcher
	broker *events.Broker
	logger zerolog.Logger

	tbl     *table.Table
	timers  map[string]*time.Timer
	pending map[string]correlation

	tasks  chan func()
	stopCh chan struct{}
	done   chan struct{}
}

// New creates an engine. Call Start to begin processing.
func New(cfg Config) *Engine {
	return &Engine{
		nodeName:      cfg.NodeName,
		nodeID:        cfg.NodeID,
		defaultDampen: cfg.DefaultDampen,
		st:            cfg.Store,
		tr:            cfg.Transport,
		al:            cfg.Alerts,
		broker:        cfg.Broker,
		logger:        log.WithComponent("engine"),
		tbl:           table.New(),
		timers:        make(map[string]*time.Timer),
		pending:       make(map[string]correlation),
		tasks:         make(chan func(), 256),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the event loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop shuts the event loop down and cancels pending timers.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	defer func() {
		for name, t := range e.timers {
			t.Stop()
			delete(e.timers, name)
		}
	}()

	completions := e.st.Completions()
	for {
		select {
		case fn := <-e.tasks:
			fn()
			e.updateGauges()
		case c, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			e.onCompletion(c)
			e.updateGauges()
		case <-e.stopCh:
			return
		}
	}
}

// post schedules fn onto the event loop.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.stopCh:
	}
}

// Submit accepts a request from a local client.
func (e *Engine) Submit(req *types.Request) {
	metrics.RequestsTotal.WithLabelValues(string(req.Op), "client").Inc()
	if req.Origin == "" {
		req.Origin = e.nodeName
	}
	e.post(func() { e.handleClient(req) })
}

// SubmitFromPeer accepts a request delivered by the cluster transport.
func (e *Engine) SubmitFromPeer(req *types.Request) {
	metrics.RequestsTotal.WithLabelValues(string(req.Op), "peer").Inc()
	e.post(func() { e.handlePeer(req) })
}

// Resync re-issues store writes for every entry that has no armed timer.
// Invoked once the store (re)connects and on store replace notifications;
// entries with an armed timer are picked up when it fires.
func (e *Engine) Resync() {
	e.post(func() {
		e.logger.Info().Msg("resynchronizing all attributes to store")
		e.publish(&events.Event{Type: events.EventStoreResync, Node: e.nodeName})
		e.tbl.ForEach(func(entry *table.Entry) {
			if entry.Desired == nil && entry.Confirmed == nil {
				return
			}
			if e.timerArmed(entry.Name) {
				return
			}
			e.persist(entry)
		})
	})
}

// AttributeStatus is one table entry as reported by Snapshot.
type AttributeStatus struct {
	Name       string  `json:"name"`
	Desired    *string `json:"desired"`
	Confirmed  *string `json:"confirmed"`
	Section    string  `json:"section"`
	SetName    string  `json:"set,omitempty"`
	Dampen     string  `json:"dampen"`
	TimerArmed bool    `json:"timer_armed"`
}

// Snapshot returns the current table contents, evaluated on the event
// loop so it is consistent.
func (e *Engine) Snapshot() []AttributeStatus {
	ch := make(chan []AttributeStatus, 1)
	e.post(func() {
		out := make([]AttributeStatus, 0, e.tbl.Len())
		e.tbl.ForEach(func(entry *table.Entry) {
			out = append(out, AttributeStatus{
				Name:       entry.Name,
				Desired:    cloneValue(entry.Desired),
				Confirmed:  cloneValue(entry.Confirmed),
				Section:    entry.Section,
				SetName:    entry.SetName,
				Dampen:     entry.Dampen.String(),
				TimerArmed: e.timerArmed(entry.Name),
			})
		})
		ch <- out
	})

	select {
	case out := <-ch:
		return out
	case <-e.stopCh:
		return nil
	}
}

// Self returns this node's name.
func (e *Engine) Self() string {
	return e.nodeName
}

func (e *Engine) updateGauges() {
	metrics.AttributesTotal.Set(float64(e.tbl.Len()))
	metrics.TimersArmed.Set(float64(len(e.timers)))
}

func (e *Engine) publish(evt *events.Event) {
	if e.broker != nil {
		e.broker.Publish(evt)
	}
}

// Timer management. Arming replaces any existing timer for the entry;
// firing re-enters the event loop.

func (e *Engine) timerArmed(name string) bool {
	_, ok := e.timers[name]
	return ok
}

func (e *Engine) armTimer(entry *table.Entry) {
	name := entry.Name
	e.stopTimer(name)
	e.timers[name] = time.AfterFunc(entry.Dampen, func() {
		e.post(func() { e.onTimer(name) })
	})
}

func (e *Engine) stopTimer(name string) {
	if t, ok := e.timers[name]; ok {
		t.Stop()
		delete(e.timers, name)
	}
}

// onTimer persists the entry's current desired value after its dampening
// interval expired. The timer is disarmed before the write is issued,
// even if the write fails or is deferred.
func (e *Engine) onTimer(name string) {
	e.stopTimer(name)
	entry, ok := e.tbl.Get(name)
	if !ok {
		return
	}
	e.logger.Debug().Str("attribute", name).Msg("dampening timer expired")
	e.persist(entry)
}

func cloneValue(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func valueEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func valueOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
