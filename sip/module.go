package sip

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/ghettovoice/sipcore/log"
)

// Verdict is a module decision on an offered request.
type Verdict uint8

const (
	// VerdictPass lets the next module see the request.
	VerdictPass Verdict = iota
	// VerdictClaimed makes the module the owner of the request.
	VerdictClaimed
)

func (v Verdict) String() string {
	if v == VerdictClaimed {
		return "claimed"
	}
	return "pass"
}

// Well-known module priorities.
const (
	PriorityTransportLayer   = 8
	PriorityTransactionLayer = 16
	PriorityUALayer          = 32
	PriorityDialogUsage      = 48
	PriorityApplication      = 64
)

// Module is a transaction user plugged into the [Endpoint].
//
// New inbound requests are offered to modules in priority order until one claims it.
// The server transaction is nil for ACK requests that match no transaction.
// A claiming module becomes the owner of the server transaction and receives its state changes.
// Client transactions are owned by the module given to [Endpoint.SendRequest].
type Module interface {
	Name() string
	OnRequest(ctx context.Context, req *Message, tx *ServerTransaction) Verdict
	OnResponse(ctx context.Context, res *Message, tx *ClientTransaction)
	OnTransactionState(ctx context.Context, tx Transaction, from, to TransactionState)
}

// MethodsModule is implemented by modules that handle request methods
// to be advertised in the Allow header of default responses.
type MethodsModule interface {
	Module
	AllowedMethods() []string
}

// ModuleFuncs builds a [Module] from functions. Nil functions are no-ops,
// a nil Request passes every request.
type ModuleFuncs struct {
	ModuleName string
	Methods    []string
	Request    func(ctx context.Context, req *Message, tx *ServerTransaction) Verdict
	Response   func(ctx context.Context, res *Message, tx *ClientTransaction)
	State      func(ctx context.Context, tx Transaction, from, to TransactionState)
}

func (m *ModuleFuncs) Name() string { return m.ModuleName }

func (m *ModuleFuncs) AllowedMethods() []string { return m.Methods }

func (m *ModuleFuncs) OnRequest(ctx context.Context, req *Message, tx *ServerTransaction) Verdict {
	if m.Request == nil {
		return VerdictPass
	}
	return m.Request(ctx, req, tx)
}

func (m *ModuleFuncs) OnResponse(ctx context.Context, res *Message, tx *ClientTransaction) {
	if m.Response != nil {
		m.Response(ctx, res, tx)
	}
}

func (m *ModuleFuncs) OnTransactionState(ctx context.Context, tx Transaction, from, to TransactionState) {
	if m.State != nil {
		m.State(ctx, tx, from, to)
	}
}

// TieBreak orders modules registered with equal priority.
type TieBreak uint8

const (
	// TieBreakRegistration offers the request to the earlier registered module first.
	TieBreakRegistration TieBreak = iota
	// TieBreakName offers the request to modules in the lexical order of their names.
	TieBreakName
)

// ModuleRegistryOptions are options of [ModuleRegistry].
type ModuleRegistryOptions struct {
	TieBreak TieBreak
	// Logger is used for registry events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *ModuleRegistryOptions) tieBreak() TieBreak {
	if o == nil {
		return TieBreakRegistration
	}
	return o.TieBreak
}

func (o *ModuleRegistryOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

type regModule struct {
	mod  Module
	prio int
	seq  uint64
}

// ModuleRegistry keeps modules ordered by priority. Lower priority values are offered first.
type ModuleRegistry struct {
	tieBreak TieBreak
	log      *slog.Logger

	mu   sync.RWMutex
	mods []regModule
	seq  uint64
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry(opts *ModuleRegistryOptions) *ModuleRegistry {
	return &ModuleRegistry{
		tieBreak: opts.tieBreak(),
		log:      opts.log(),
	}
}

// Register adds the module with the priority.
// Module names are unique within the registry.
func (r *ModuleRegistry) Register(prio int, m Module) (unregister func(), err error) {
	if m == nil || m.Name() == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid module"))
	}

	r.mu.Lock()
	if lo.ContainsBy(r.mods, func(rm regModule) bool { return rm.mod.Name() == m.Name() }) {
		r.mu.Unlock()
		return nil, errtrace.Wrap(NewInvalidArgumentError("module %q already registered", m.Name()))
	}
	r.seq++
	seq := r.seq
	r.mods = append(r.mods, regModule{mod: m, prio: prio, seq: seq})
	slices.SortStableFunc(r.mods, r.compare)
	r.mu.Unlock()

	r.log.LogAttrs(context.Background(), slog.LevelDebug, "module registered",
		slog.String("module", m.Name()),
		slog.Int("priority", prio),
	)

	return func() {
		r.mu.Lock()
		r.mods = lo.Reject(r.mods, func(rm regModule, _ int) bool { return rm.seq == seq })
		r.mu.Unlock()
	}, nil
}

func (r *ModuleRegistry) compare(a, b regModule) int {
	if c := cmp.Compare(a.prio, b.prio); c != 0 {
		return c
	}
	if r.tieBreak == TieBreakName {
		if c := cmp.Compare(a.mod.Name(), b.mod.Name()); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.seq, b.seq)
}

// Modules returns the registered modules in the offer order.
func (r *ModuleRegistry) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.mods, func(rm regModule, _ int) Module { return rm.mod })
}

// Len returns the number of registered modules.
func (r *ModuleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mods)
}

// Offer offers the request to the modules in order and returns the first one claiming it.
// Modules are called without holding the registry lock.
// While a module handles the request it owns tx and is notified of its state changes.
func (r *ModuleRegistry) Offer(ctx context.Context, req *Message, tx *ServerTransaction) (Module, bool) {
	for _, m := range r.Modules() {
		if tx != nil {
			tx.setModule(m)
		}
		if m.OnRequest(ctx, req, tx) == VerdictClaimed {
			r.log.LogAttrs(ctx, slog.LevelDebug, "request claimed by module",
				slog.String("module", m.Name()),
				slog.Any("request", req),
			)
			return m, true
		}
	}
	if tx != nil {
		tx.setModule(nil)
	}
	return nil, false
}

// AllowedMethods returns the union of methods advertised by the modules and base methods.
func (r *ModuleRegistry) AllowedMethods(base []string) []string {
	mods := r.Modules()
	mtds := lo.FlatMap(mods, func(m Module, _ int) []string {
		if mm, ok := m.(MethodsModule); ok {
			return mm.AllowedMethods()
		}
		return nil
	})
	return lo.Uniq(append(slices.Clone(base), mtds...))
}
