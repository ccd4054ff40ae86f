package callbacks

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/logging"
)

// Manager delivers run notifications for one composition point. It is an
// immutable value: every With*/Add* method returns a modified copy.
//
// Handlers are either inheritable (passed on to child runs through
// RunManager.GetChild) or local (notified only for runs started by this
// manager). The same split applies to tags and metadata.
type Manager struct {
	handlers            []Handler
	inheritableHandlers []Handler
	parentRunID         string
	parentIDs           []string
	tags                []string
	inheritableTags     []string
	metadata            map[string]any
	inheritableMetadata map[string]any
	logger              logging.Logger
}

// NewManager returns a manager whose handlers are all inheritable.
func NewManager(handlers ...Handler) *Manager {
	return &Manager{
		handlers:            append([]Handler(nil), handlers...),
		inheritableHandlers: append([]Handler(nil), handlers...),
	}
}

// ConfigureOptions are the inputs of Configure.
type ConfigureOptions struct {
	// Inheritable is the manager handed down by an enclosing run, if any.
	Inheritable *Manager
	// InheritableHandlers are added and propagated to children.
	InheritableHandlers []Handler
	// LocalHandlers are notified only for runs of the configured manager.
	LocalHandlers       []Handler
	InheritableTags     []string
	LocalTags           []string
	InheritableMetadata map[string]any
	LocalMetadata       map[string]any
	Logger              logging.Logger
}

// Configure builds a manager scoped to one composition point by merging
// inherited and local handlers, tags and metadata. It performs no I/O.
func Configure(opts ConfigureOptions) *Manager {
	m := &Manager{}
	if opts.Inheritable != nil {
		m = opts.Inheritable.clone()
	}
	for _, h := range opts.InheritableHandlers {
		m = m.AddHandler(h, true)
	}
	for _, h := range opts.LocalHandlers {
		m = m.AddHandler(h, false)
	}
	m = m.AddTags(opts.InheritableTags, true)
	m = m.AddTags(opts.LocalTags, false)
	m = m.AddMetadata(opts.InheritableMetadata, true)
	m = m.AddMetadata(opts.LocalMetadata, false)
	if opts.Logger != nil {
		m.logger = opts.Logger
	}
	return m
}

func (m *Manager) clone() *Manager {
	if m == nil {
		return &Manager{}
	}
	c := *m
	c.handlers = append([]Handler(nil), m.handlers...)
	c.inheritableHandlers = append([]Handler(nil), m.inheritableHandlers...)
	c.parentIDs = append([]string(nil), m.parentIDs...)
	c.tags = append([]string(nil), m.tags...)
	c.inheritableTags = append([]string(nil), m.inheritableTags...)
	c.metadata = copyMap(m.metadata)
	c.inheritableMetadata = copyMap(m.inheritableMetadata)
	return &c
}

// Handlers returns all handlers notified by this manager.
func (m *Manager) Handlers() []Handler {
	if m == nil {
		return nil
	}
	return append([]Handler(nil), m.handlers...)
}

// InheritableHandlers returns the handlers propagated to child runs.
func (m *Manager) InheritableHandlers() []Handler {
	if m == nil {
		return nil
	}
	return append([]Handler(nil), m.inheritableHandlers...)
}

// ParentRunID returns the id of the run that spawned this manager, if any.
func (m *Manager) ParentRunID() string {
	if m == nil {
		return ""
	}
	return m.parentRunID
}

// Tags returns all tags attached to runs started by this manager.
func (m *Manager) Tags() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.tags...)
}

// Metadata returns the merged metadata attached to runs started by this manager.
func (m *Manager) Metadata() map[string]any {
	if m == nil {
		return nil
	}
	return copyMap(m.metadata)
}

// AddHandler returns a copy with h added. Adding a handler twice is a no-op.
func (m *Manager) AddHandler(h Handler, inherit bool) *Manager {
	c := m.clone()
	if h == nil {
		return c
	}
	if !containsHandler(c.handlers, h) {
		c.handlers = append(c.handlers, h)
	}
	if inherit && !containsHandler(c.inheritableHandlers, h) {
		c.inheritableHandlers = append(c.inheritableHandlers, h)
	}
	return c
}

// AddTags returns a copy with tags appended. A tag that is already present
// moves to the end instead of being repeated.
func (m *Manager) AddTags(tags []string, inherit bool) *Manager {
	c := m.clone()
	if len(tags) == 0 {
		return c
	}
	c.tags = append(without(c.tags, tags), tags...)
	if inherit {
		c.inheritableTags = append(without(c.inheritableTags, tags), tags...)
	}
	return c
}

func without(all, drop []string) []string {
	out := all[:0:0]
	for _, t := range all {
		keep := true
		for _, d := range drop {
			if t == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, t)
		}
	}
	return out
}

// AddMetadata returns a copy with md shallow-merged over the existing metadata.
func (m *Manager) AddMetadata(md map[string]any, inherit bool) *Manager {
	c := m.clone()
	if len(md) == 0 {
		return c
	}
	if c.metadata == nil {
		c.metadata = map[string]any{}
	}
	if inherit && c.inheritableMetadata == nil {
		c.inheritableMetadata = map[string]any{}
	}
	for k, v := range md {
		c.metadata[k] = v
		if inherit {
			c.inheritableMetadata[k] = v
		}
	}
	return c
}

// WithLogger returns a copy that reports observer failures to l.
func (m *Manager) WithLogger(l logging.Logger) *Manager {
	c := m.clone()
	c.logger = l
	return c
}

// Merge combines m and other so that the handlers of both are notified.
// Parent linkage, tags and metadata from other take precedence.
func (m *Manager) Merge(other *Manager) *Manager {
	if other == nil {
		return m.clone()
	}
	if m == nil {
		return other.clone()
	}
	c := m.clone()
	for _, h := range other.handlers {
		c = c.AddHandler(h, containsHandler(other.inheritableHandlers, h))
	}
	c = c.AddTags(other.inheritableTags, true)
	c = c.AddTags(subtract(other.tags, other.inheritableTags), false)
	c = c.AddMetadata(other.inheritableMetadata, true)
	c = c.AddMetadata(other.metadata, false)
	if other.parentRunID != "" {
		c.parentRunID = other.parentRunID
		c.parentIDs = append([]string(nil), other.parentIDs...)
	}
	if other.logger != nil {
		c.logger = other.logger
	}
	return c
}

// StartOptions customize a single run start.
type StartOptions struct {
	RunID    string
	RunName  string
	Tags     []string
	Metadata map[string]any
	Extra    map[string]any
}

// StartOption mutates StartOptions.
type StartOption func(o *StartOptions)

// WithRunID sets an explicit id for the started run.
func WithRunID(id string) StartOption { return func(o *StartOptions) { o.RunID = id } }

// WithRunName overrides the display name of the started run.
func WithRunName(name string) StartOption { return func(o *StartOptions) { o.RunName = name } }

// WithTags adds run-local tags.
func WithTags(tags ...string) StartOption {
	return func(o *StartOptions) { o.Tags = append(o.Tags, tags...) }
}

// WithMetadata adds run-local metadata.
func WithMetadata(md map[string]any) StartOption {
	return func(o *StartOptions) {
		if o.Metadata == nil {
			o.Metadata = map[string]any{}
		}
		for k, v := range md {
			o.Metadata[k] = v
		}
	}
}

// WithExtra attaches invocation parameters (model settings, tool schema...).
func WithExtra(extra map[string]any) StartOption {
	return func(o *StartOptions) { o.Extra = extra }
}

// HandleStart begins one run of the given kind and notifies OnRunStart.
func (m *Manager) HandleStart(ctx context.Context, kind Kind, name string, input any, optFns ...StartOption) *RunManager {
	opts := StartOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if m == nil {
		m = &Manager{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = core.NewID()
	}
	if opts.RunName != "" {
		name = opts.RunName
	}
	md := copyMap(m.metadata)
	if len(opts.Metadata) > 0 && md == nil {
		md = map[string]any{}
	}
	for k, v := range opts.Metadata {
		md[k] = v
	}
	run := Run{
		ID:          runID,
		Name:        name,
		Kind:        kind,
		ParentRunID: m.parentRunID,
		ParentIDs:   append([]string(nil), m.parentIDs...),
		Tags:        append(append([]string(nil), m.tags...), opts.Tags...),
		Metadata:    md,
		Extra:       opts.Extra,
		StartTime:   time.Now(),
		Inputs:      input,
	}
	rm := &RunManager{run: run, manager: m}
	m.dispatch(ctx, "start", run, func(h Handler) error { return h.OnRunStart(ctx, run) })
	return rm
}

// HandleChainStart begins a chain run.
func (m *Manager) HandleChainStart(ctx context.Context, name string, input any, optFns ...StartOption) *RunManager {
	return m.HandleStart(ctx, KindChain, name, input, optFns...)
}

// HandleToolStart begins a tool run.
func (m *Manager) HandleToolStart(ctx context.Context, name string, input any, optFns ...StartOption) *RunManager {
	return m.HandleStart(ctx, KindTool, name, input, optFns...)
}

// HandleRetrieverStart begins a retriever run.
func (m *Manager) HandleRetrieverStart(ctx context.Context, name, query string, optFns ...StartOption) *RunManager {
	return m.HandleStart(ctx, KindRetriever, name, query, optFns...)
}

// HandleParserStart begins an output parser run.
func (m *Manager) HandleParserStart(ctx context.Context, name string, input any, optFns ...StartOption) *RunManager {
	return m.HandleStart(ctx, KindParser, name, input, optFns...)
}

// HandleLLMStart begins one completion-model run per prompt. Only the first
// run honors an explicit run id.
func (m *Manager) HandleLLMStart(ctx context.Context, name string, prompts []string, optFns ...StartOption) []*RunManager {
	out := make([]*RunManager, len(prompts))
	for i, p := range prompts {
		out[i] = m.HandleStart(ctx, KindLLM, name, p, firstOnly(i, optFns)...)
	}
	return out
}

// HandleChatModelStart begins one chat-model run per message list. Only the
// first run honors an explicit run id.
func (m *Manager) HandleChatModelStart(ctx context.Context, name string, inputs [][]core.Message, optFns ...StartOption) []*RunManager {
	out := make([]*RunManager, len(inputs))
	for i, msgs := range inputs {
		out[i] = m.HandleStart(ctx, KindChatModel, name, msgs, firstOnly(i, optFns)...)
	}
	return out
}

func firstOnly(i int, optFns []StartOption) []StartOption {
	if i == 0 {
		return optFns
	}
	return append(append([]StartOption(nil), optFns...), WithRunID(""))
}

func (m *Manager) dispatch(ctx context.Context, event string, run Run, call func(h Handler) error) {
	if m == nil || len(m.handlers) == 0 {
		return
	}
	for _, h := range m.handlers {
		if err := safeCall(h, call); err != nil {
			logging.OrNoOp(m.logger).Warn(
				"callbacks.handler.error",
				"event", event,
				"run_id", run.ID,
				"run_name", run.Name,
				"handler", fmt.Sprintf("%T", h),
				"error", err.Error(),
			)
		}
	}
}

func safeCall(h Handler, call func(h Handler) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewPanicError(r)
		}
	}()
	return call(h)
}

// RunManager finalizes one started run. HandleEnd and HandleError are
// mutually exclusive: only the first terminal call is delivered.
type RunManager struct {
	run     Run
	manager *Manager
	done    atomic.Bool
}

// RunID returns the id of the managed run.
func (rm *RunManager) RunID() string { return rm.run.ID }

// Run returns the run as it was started.
func (rm *RunManager) Run() Run { return rm.run }

// Finished reports whether a terminal notification was delivered.
func (rm *RunManager) Finished() bool { return rm.done.Load() }

// HandleChunk reports an incremental output chunk.
func (rm *RunManager) HandleChunk(ctx context.Context, chunk any) {
	if rm.done.Load() {
		return
	}
	run := rm.run
	rm.manager.dispatch(ctx, "chunk", run, func(h Handler) error { return h.OnRunChunk(ctx, run, chunk) })
}

// HandleEnd finalizes the run successfully with the given output.
func (rm *RunManager) HandleEnd(ctx context.Context, output any) {
	if !rm.done.CompareAndSwap(false, true) {
		rm.warnFinished("end")
		return
	}
	run := rm.run
	run.EndTime = time.Now()
	run.Outputs = output
	rm.manager.dispatch(ctx, "end", run, func(h Handler) error { return h.OnRunEnd(ctx, run) })
}

// HandleError finalizes the run as failed. Cancellation is reported through
// this path as well.
func (rm *RunManager) HandleError(ctx context.Context, err error) {
	if !rm.done.CompareAndSwap(false, true) {
		rm.warnFinished("error")
		return
	}
	run := rm.run
	run.EndTime = time.Now()
	run.Error = err
	// Observers must still be reachable after the caller's context was cancelled.
	notifyCtx := context.WithoutCancel(ctx)
	rm.manager.dispatch(notifyCtx, "error", run, func(h Handler) error { return h.OnRunError(notifyCtx, run) })
}

func (rm *RunManager) warnFinished(event string) {
	logging.OrNoOp(rm.manager.logger).Warn("callbacks.run.already_finished", "event", event, "run_id", rm.run.ID, "run_name", rm.run.Name)
}

// GetChild returns a manager for nested calls whose runs report this run as
// their parent. Only inheritable handlers, tags and metadata are passed on.
// A non-empty tag is attached to the direct child runs only.
func (rm *RunManager) GetChild(tag string) *Manager {
	parent := rm.manager
	c := &Manager{
		handlers:            append([]Handler(nil), parent.inheritableHandlers...),
		inheritableHandlers: append([]Handler(nil), parent.inheritableHandlers...),
		parentRunID:         rm.run.ID,
		parentIDs:           append(append([]string(nil), rm.run.ParentIDs...), rm.run.ID),
		tags:                append([]string(nil), parent.inheritableTags...),
		inheritableTags:     append([]string(nil), parent.inheritableTags...),
		metadata:            copyMap(parent.inheritableMetadata),
		inheritableMetadata: copyMap(parent.inheritableMetadata),
		logger:              parent.logger,
	}
	if tag != "" {
		c.tags = append(c.tags, tag)
	}
	return c
}

// containsHandler reports whether h is already registered. Handlers whose
// dynamic type is not comparable are always distinct.
func containsHandler(hs []Handler, h Handler) bool {
	if !reflect.TypeOf(h).Comparable() {
		return false
	}
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}

func subtract(all, remove []string) []string {
	var out []string
	counts := map[string]int{}
	for _, r := range remove {
		counts[r]++
	}
	for _, t := range all {
		if counts[t] > 0 {
			counts[t]--
			continue
		}
		out = append(out, t)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
