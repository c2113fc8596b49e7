package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/concurrency"
	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/container"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/store"
)

// Message is one inbound chat message.
type Message struct {
	ChatID string
	Text   string
	Sender *container.Sender
}

// Deps are the registry's collaborators. Snapshots, Tasks and OnSpawn are optional.
type Deps struct {
	Spawner   Spawner
	Store     SessionStore
	Transport Transport
	Snapshots Snapshotter
	Tasks     TaskLister
	OnSpawn   func(chatID string)
}

// Registry owns every chat's state machine. All state lives in one goroutine;
// everything else (frame forwarders, timers, transport handlers, the
// scheduler) talks to it by posting events to its inbox.
type Registry struct {
	deps Deps

	idleTimeout    time.Duration
	typingInterval time.Duration
	now            func() time.Time

	inbox chan event
	chats map[string]*chatState
	gen   uint64

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	loop    sync.WaitGroup
	aux     sync.WaitGroup
	// Forwarders end when their container exits, which may be after Stop.
	forwarders sync.WaitGroup
}

type chatState struct {
	chatID string
	active *activeContainer

	// Messages that arrived while the active container could not take them.
	pending []Message
	tasks   []*taskRun

	typing  bool
	idle    *time.Timer
	idleGen uint64

	// Set by a reset that arrived while a container was live; applied on exit.
	resetModel *string
}

type activeContainer struct {
	gen          uint64
	worker       Worker // nil while spawning
	name         string
	task         *taskRun
	closing      bool
	closeOnSpawn bool
	startedAt    time.Time
	lastActivity time.Time
}

type taskRun struct {
	prompt string
	model  string
	reply  chan taskOutcome
	// done closes when the caller stops waiting for the outcome.
	done <-chan struct{}
}

func (tr *taskRun) abandoned() bool {
	select {
	case <-tr.done:
		return true
	default:
		return false
	}
}

type taskOutcome struct {
	result *string
	err    error
}

// ChatStatus is a point-in-time view of one chat.
type ChatStatus struct {
	ChatID       string    `json:"chat_id"`
	Active       bool      `json:"active"`
	Container    string    `json:"container,omitempty"`
	Closing      bool      `json:"closing,omitempty"`
	Scheduled    bool      `json:"scheduled,omitempty"`
	Typing       bool      `json:"typing,omitempty"`
	Pending      int       `json:"pending"`
	QueuedTasks  int       `json:"queued_tasks"`
	LastActivity time.Time `json:"last_activity"`
}

func NewRegistry(cfg config.SessionConfig, deps Deps) (*Registry, error) {
	if deps.Spawner == nil || deps.Store == nil || deps.Transport == nil {
		return nil, kagoerrors.InvalidInput("registry needs a spawner, a session store and a transport")
	}

	idleTimeout, err := config.DurationOrDefault(cfg.IdleTimeout, config.DefaultSessionIdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse session idle timeout: %w", err)
	}
	typingInterval, err := config.DurationOrDefault(cfg.TypingInterval, config.DefaultSessionTypingInterval)
	if err != nil {
		return nil, fmt.Errorf("parse session typing interval: %w", err)
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = config.DefaultSessionInboxSize
	}

	return &Registry{
		deps:           deps,
		idleTimeout:    idleTimeout,
		typingInterval: typingInterval,
		now:            time.Now,
		inbox:          make(chan event, inboxSize),
		chats:          make(map[string]*chatState),
	}, nil
}

func (r *Registry) Init(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	slog.Info("Session registry initialized", "idle_timeout", r.idleTimeout, "typing_interval", r.typingInterval)
	return nil
}

func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	if r.ctx == nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	r.running = true
	r.mu.Unlock()

	r.loop.Add(1)
	go r.run()

	slog.Info("Session registry started")
	return nil
}

// Stop ends the actor loop and waits for in-flight spawns and sends.
// Live containers are left to the container manager's shutdown.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.loop.Wait()
		r.aux.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Session registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Health(ctx context.Context) error {
	if r.ctx == nil {
		return kagoerrors.Internal("session registry not initialized")
	}
	if !r.IsRunning() {
		return kagoerrors.Internal("session registry not running")
	}
	return nil
}

func (r *Registry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// post hands an event to the actor. It fails only once the registry stopped.
func (r *Registry) post(ev event) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Handle routes an inbound message into the chat's state machine.
func (r *Registry) Handle(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ChatID) == "" {
		return kagoerrors.InvalidInput("message without chat id")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	if r.ctx == nil {
		return kagoerrors.Internal("session registry not initialized")
	}
	select {
	case r.inbox <- messageEvent{msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return kagoerrors.Internal("session registry stopped")
	}
}

// RunTask runs a scheduled prompt as a single-turn worker in chatID. It waits
// for any live container of the chat to exit first, so a chat never has two
// workers sharing its mailbox. A run still queued when ctx ends is dropped.
func (r *Registry) RunTask(ctx context.Context, chatID, prompt, model string) (*string, error) {
	if r.ctx == nil {
		return nil, kagoerrors.Internal("session registry not initialized")
	}
	tr := &taskRun{prompt: prompt, model: model, reply: make(chan taskOutcome, 1), done: ctx.Done()}
	select {
	case r.inbox <- taskEvent{chatID: chatID, run: tr}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, kagoerrors.Internal("session registry stopped")
	}

	select {
	case out := <-tr.reply:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, kagoerrors.Internal("session registry stopped")
	}
}

// Reset closes the chat's live container, if any, and starts a fresh session,
// optionally pinning a model. The session-state directory is wiped.
func (r *Registry) Reset(ctx context.Context, chatID, model string) error {
	reply := make(chan error, 1)
	if !r.postCtx(ctx, resetEvent{chatID: chatID, model: model, reply: reply}) {
		return kagoerrors.Internal("session registry stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return kagoerrors.Internal("session registry stopped")
	}
}

// Status reports every chat the registry has seen since start.
func (r *Registry) Status(ctx context.Context) ([]ChatStatus, error) {
	reply := make(chan []ChatStatus, 1)
	if !r.postCtx(ctx, statusEvent{reply: reply}) {
		return nil, kagoerrors.Internal("session registry stopped")
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, kagoerrors.Internal("session registry stopped")
	}
}

func (r *Registry) postCtx(ctx context.Context, ev event) bool {
	if r.ctx == nil {
		return false
	}
	select {
	case r.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-r.ctx.Done():
		return false
	}
}

func (r *Registry) run() {
	defer r.loop.Done()
	defer concurrency.Recover(func(p interface{}) {
		slog.Error("Session registry crashed", "panic", p)
	})

	typing := time.NewTicker(r.typingInterval)
	defer typing.Stop()

	for {
		select {
		case ev := <-r.inbox:
			ev.apply(r)
		case <-typing.C:
			r.emitTyping()
		case <-r.ctx.Done():
			r.shutdown()
			slog.Info("Session registry loop stopped")
			return
		}
	}
}

// shutdown releases timers and fails queued task runs.
func (r *Registry) shutdown() {
	for _, st := range r.chats {
		if st.idle != nil {
			st.idle.Stop()
		}
		for _, tr := range st.tasks {
			tr.reply <- taskOutcome{err: kagoerrors.Internal("session registry stopped")}
		}
		st.tasks = nil
	}
}

func (r *Registry) chat(chatID string) *chatState {
	st, ok := r.chats[chatID]
	if !ok {
		st = &chatState{chatID: chatID}
		r.chats[chatID] = st
	}
	return st
}

func (r *Registry) onMessage(msg Message) {
	if cmd, ok := parseCommand(msg.Text); ok {
		r.onCommand(msg, cmd)
		return
	}

	st := r.chat(msg.ChatID)
	r.touchSession(msg.ChatID)

	a := st.active
	switch {
	case a == nil:
		r.spawnInteractive(st, []Message{msg})
	case a.worker != nil && a.task == nil && !a.closing:
		if err := a.worker.WriteInput(msg.Text, msg.Sender); err != nil {
			slog.Warn("Follow-up write failed, queueing", "chat_id", st.chatID, "container", a.name, "error", err)
			st.pending = append(st.pending, msg)
		} else {
			slog.Debug("Follow-up delivered", "chat_id", st.chatID, "container", a.name)
		}
		a.lastActivity = r.now()
		r.armIdle(st)
		r.startTyping(st)
	case a.worker == nil && a.task == nil && !a.closing && !a.closeOnSpawn:
		// Spawning: flushed as follow-ups once the worker is up.
		st.pending = append(st.pending, msg)
		r.startTyping(st)
	default:
		// Closing, or a scheduled worker holds the chat: replayed after it exits.
		st.pending = append(st.pending, msg)
	}
}

// touchSession creates the session record on first contact.
func (r *Registry) touchSession(chatID string) {
	s, err := r.deps.Store.GetSession(chatID)
	if err != nil {
		slog.Warn("Session lookup failed", "chat_id", chatID, "error", err)
		return
	}
	if s != nil {
		return
	}
	if err := r.deps.Store.SaveSession(store.Session{ChatID: chatID, LastActivity: r.now()}); err != nil {
		slog.Warn("Failed to create session", "chat_id", chatID, "error", err)
	}
}

func (r *Registry) spawnInteractive(st *chatState, msgs []Message) {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	req := container.SpawnRequest{
		ChatID: st.chatID,
		Prompt: strings.Join(texts, "\n\n"),
		Caller: msgs[len(msgs)-1].Sender,
		Stream: true,
	}
	if s, err := r.deps.Store.GetSession(st.chatID); err == nil && s != nil {
		req.SessionID = s.SessionID
		req.Model = s.Model
	}
	r.spawn(st, req, nil)
	r.startTyping(st)
}

func (r *Registry) spawnTask(st *chatState, tr *taskRun) {
	req := container.SpawnRequest{
		ChatID:        st.chatID,
		Prompt:        tr.prompt,
		Model:         tr.model,
		ScheduledTask: true,
		Ephemeral:     true,
	}
	if req.Model == "" {
		if s, err := r.deps.Store.GetSession(st.chatID); err == nil && s != nil {
			req.Model = s.Model
		}
	}
	r.spawn(st, req, tr)
}

func (r *Registry) spawn(st *chatState, req container.SpawnRequest, tr *taskRun) {
	r.gen++
	gen := r.gen
	now := r.now()
	st.active = &activeContainer{gen: gen, task: tr, startedAt: now, lastActivity: now}

	chatID := st.chatID
	r.goAux(func() {
		if r.deps.OnSpawn != nil {
			r.deps.OnSpawn(chatID)
		}
		w, err := r.deps.Spawner.Spawn(r.ctx, req)
		if !r.post(spawnedEvent{chatID: chatID, gen: gen, worker: w, err: err}) && w != nil {
			// Registry is gone; let the worker wind down on its own.
			r.detach(w)
		}
	})
}

func (r *Registry) onSpawned(ev spawnedEvent) {
	st := r.chat(ev.chatID)
	a := st.active
	if a == nil || a.gen != ev.gen {
		if ev.worker != nil {
			r.detach(ev.worker)
		}
		return
	}

	if ev.err != nil {
		slog.Error("Worker spawn failed", "chat_id", st.chatID, "error", ev.err)
		st.active = nil
		st.typing = false
		if a.task != nil {
			a.task.reply <- taskOutcome{err: ev.err}
		} else {
			r.sendAsync(st.chatID, errorText(ev.err))
			st.pending = nil
		}
		r.applyPendingReset(st)
		r.next(st)
		return
	}

	a.worker = ev.worker
	a.name = ev.worker.Name()
	a.lastActivity = r.now()
	r.forwarders.Add(1)
	concurrency.SafeGo(func() {
		defer r.forwarders.Done()
		r.forward(ev.chatID, a.gen, ev.worker, a.task != nil)
	}, nil)

	if a.closeOnSpawn {
		r.requestClose(st)
		return
	}
	if a.task != nil {
		return
	}

	for _, m := range st.pending {
		if err := ev.worker.WriteInput(m.Text, m.Sender); err != nil {
			slog.Warn("Queued follow-up write failed", "chat_id", st.chatID, "error", err)
		}
	}
	st.pending = nil
	r.armIdle(st)
	if st.typing {
		r.typingNow(st.chatID)
	}
}

func (r *Registry) onFrame(ev frameEvent) {
	st := r.chat(ev.chatID)
	a := st.active
	if a == nil || a.gen != ev.gen {
		return
	}
	a.lastActivity = r.now()

	if ev.frame.NewSessionID != "" && a.task == nil {
		r.saveSession(st.chatID, ev.frame.NewSessionID)
	}
	if a.task != nil {
		return
	}
	if !a.closing {
		r.armIdle(st)
	}
	if ev.frame.IsFinal() {
		st.typing = false
	}
}

func (r *Registry) onExit(ev exitEvent) {
	st := r.chat(ev.chatID)
	a := st.active
	if a == nil || a.gen != ev.gen {
		return
	}

	st.active = nil
	st.typing = false
	r.disarmIdle(st)

	if a.task != nil {
		a.task.reply <- taskOutcome{result: ev.result.Result, err: ev.err}
	} else {
		if ev.result.NewSessionID != "" {
			r.saveSession(st.chatID, ev.result.NewSessionID)
		} else {
			r.touchActivity(st.chatID)
		}
	}

	slog.Info("Chat idle", "chat_id", st.chatID, "container", a.name, "ran", r.now().Sub(a.startedAt).Round(time.Second))

	if r.deps.Snapshots != nil {
		chatID := st.chatID
		msg := fmt.Sprintf("%s exited", a.name)
		r.goAux(func() {
			if err := r.deps.Snapshots.Snapshot(r.ctx, chatID, msg); err != nil {
				slog.Warn("Workspace snapshot failed", "chat_id", chatID, "error", err)
			}
		})
	}

	r.applyPendingReset(st)
	r.next(st)
}

// next starts whatever was waiting for the chat: queued tasks first, then
// messages that arrived meanwhile.
func (r *Registry) next(st *chatState) {
	if st.active != nil {
		return
	}
	for len(st.tasks) > 0 {
		tr := st.tasks[0]
		st.tasks = st.tasks[1:]
		if tr.abandoned() {
			slog.Info("Dropping scheduled task, caller gone", "chat_id", st.chatID)
			continue
		}
		r.spawnTask(st, tr)
		return
	}
	if len(st.pending) > 0 {
		msgs := st.pending
		st.pending = nil
		r.spawnInteractive(st, msgs)
	}
}

func (r *Registry) onIdle(ev idleEvent) {
	st := r.chat(ev.chatID)
	if st.idleGen != ev.gen {
		return
	}
	a := st.active
	if a == nil || a.worker == nil || a.task != nil || a.closing {
		return
	}
	slog.Info("Chat idle timeout, closing worker", "chat_id", st.chatID, "container", a.name, "idle", r.idleTimeout)
	r.requestClose(st)
}

// onTask runs the task now when the chat is free. Otherwise it queues
// behind the live worker, which is left to finish or idle out on its own.
func (r *Registry) onTask(ev taskEvent) {
	if ev.run.abandoned() {
		return
	}
	st := r.chat(ev.chatID)
	if st.active == nil {
		r.spawnTask(st, ev.run)
		return
	}
	st.tasks = append(st.tasks, ev.run)
	slog.Info("Scheduled task waiting for live worker", "chat_id", st.chatID, "queued", len(st.tasks))
}

func (r *Registry) onReset(ev resetEvent) {
	st := r.chat(ev.chatID)
	if st.active != nil {
		model := ev.model
		st.resetModel = &model
		st.pending = nil
		if st.active.task == nil {
			r.requestClose(st)
		}
		ev.reply <- nil
		return
	}
	ev.reply <- r.deps.Store.ResetSession(st.chatID, ev.model)
}

func (r *Registry) applyPendingReset(st *chatState) {
	if st.resetModel == nil {
		return
	}
	model := *st.resetModel
	st.resetModel = nil
	if err := r.deps.Store.ResetSession(st.chatID, model); err != nil {
		slog.Error("Deferred session reset failed", "chat_id", st.chatID, "error", err)
	}
}

func (r *Registry) onStatus(ev statusEvent) {
	out := make([]ChatStatus, 0, len(r.chats))
	for _, st := range r.chats {
		cs := ChatStatus{
			ChatID:      st.chatID,
			Typing:      st.typing,
			Pending:     len(st.pending),
			QueuedTasks: len(st.tasks),
		}
		if a := st.active; a != nil {
			cs.Active = true
			cs.Container = a.name
			cs.Closing = a.closing
			cs.Scheduled = a.task != nil
			cs.LastActivity = a.lastActivity
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	ev.reply <- out
}

// requestClose asks the live worker to wind down. The container stays
// recorded until it exits, so nothing else is spawned into its mailbox.
func (r *Registry) requestClose(st *chatState) {
	a := st.active
	if a == nil || a.closing {
		return
	}
	st.typing = false
	r.disarmIdle(st)
	if a.worker == nil {
		a.closeOnSpawn = true
		return
	}
	a.closing = true
	if err := a.worker.RequestClose(); err != nil {
		slog.Warn("Close request failed", "chat_id", st.chatID, "container", a.name, "error", err)
	}
}

func (r *Registry) armIdle(st *chatState) {
	st.idleGen++
	gen := st.idleGen
	chatID := st.chatID
	if st.idle != nil {
		st.idle.Stop()
	}
	st.idle = time.AfterFunc(r.idleTimeout, func() {
		r.post(idleEvent{chatID: chatID, gen: gen})
	})
}

func (r *Registry) disarmIdle(st *chatState) {
	st.idleGen++
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
}

func (r *Registry) startTyping(st *chatState) {
	if st.typing {
		return
	}
	st.typing = true
	if st.active != nil && st.active.worker != nil {
		r.typingNow(st.chatID)
	}
}

func (r *Registry) emitTyping() {
	for _, st := range r.chats {
		a := st.active
		if !st.typing || a == nil || a.worker == nil || a.task != nil || a.closing {
			continue
		}
		r.typingNow(st.chatID)
	}
}

func (r *Registry) typingNow(chatID string) {
	r.goAux(func() {
		if err := r.deps.Transport.SendTyping(r.ctx, chatID); err != nil {
			slog.Debug("Typing signal failed", "chat_id", chatID, "error", err)
		}
	})
}

func (r *Registry) saveSession(chatID, sessionID string) {
	s, err := r.deps.Store.GetSession(chatID)
	if err != nil {
		slog.Warn("Session lookup failed", "chat_id", chatID, "error", err)
		return
	}
	next := store.Session{ChatID: chatID}
	if s != nil {
		next = *s
	}
	next.SessionID = sessionID
	next.LastActivity = r.now()
	if err := r.deps.Store.SaveSession(next); err != nil {
		slog.Warn("Failed to persist session", "chat_id", chatID, "error", err)
	}
}

func (r *Registry) touchActivity(chatID string) {
	s, err := r.deps.Store.GetSession(chatID)
	if err != nil || s == nil {
		return
	}
	s.LastActivity = r.now()
	if err := r.deps.Store.SaveSession(*s); err != nil {
		slog.Warn("Failed to persist session", "chat_id", chatID, "error", err)
	}
}

func (r *Registry) sendAsync(chatID, text string) {
	r.goAux(func() {
		if err := r.deps.Transport.Send(r.ctx, chatID, text); err != nil {
			slog.Warn("Failed to send", "chat_id", chatID, "error", err)
		}
	})
}

func (r *Registry) goAux(fn func()) {
	r.aux.Add(1)
	concurrency.SafeGo(func() {
		defer r.aux.Done()
		fn()
	}, nil)
}
