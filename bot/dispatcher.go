package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AlphafromZion/matrix-agent-room/backend"
	"github.com/AlphafromZion/matrix-agent-room/history"
	"github.com/AlphafromZion/matrix-agent-room/ratelimit"
	"github.com/AlphafromZion/matrix-agent-room/transport"
)

// Publisher is the slice of a session the dispatcher needs to speak as a
// persona.
type Publisher interface {
	Publish(ctx context.Context, roomID, body string) (transport.RoomEvent, error)
	Typing(ctx context.Context, roomID string, typing bool)
}

// Request is one resolved mention, built by a session and consumed exactly
// once. It is never retried with stale context: a terminal failure is a
// terminal outcome.
type Request struct {
	Persona       *Persona
	RoomID        string
	Prompt        string
	Requester     string // account id of the human (or persona) who asked
	RequesterName string
	Trigger       transport.RoomEvent
	Publisher     Publisher
}

type pairKey struct {
	persona string
	room    string
}

// op is one unit of per-pair work: either an observation (append to the
// window) or a full dispatch. A single queue carries both so window
// appends and inference stay in feed order.
type op struct {
	observe *transport.RoomEvent
	req     *Request
}

// pairWorker serializes all work for one (persona, room) pair. The queue
// is unbounded so enqueueing never blocks a session's feed consumption,
// and a resolved mention is never dropped.
type pairWorker struct {
	mu    sync.Mutex
	queue []op
	wake  chan struct{}
}

func (w *pairWorker) push(o op) {
	w.mu.Lock()
	w.queue = append(w.queue, o)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *pairWorker) pop() (op, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return op{}, false
	}
	o := w.queue[0]
	w.queue = w.queue[1:]
	return o, true
}

// Dispatcher owns all rate buckets and conversation windows and is the
// only component that mutates them. Work for one (persona, room) pair runs
// on that pair's worker, so at most one backend call per pair is in flight
// while different pairs proceed fully concurrently.
type Dispatcher struct {
	limiter        *ratelimit.Limiter
	windows        *history.Store
	notifyThrottle bool
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[pairKey]*pairWorker
}

func NewDispatcher(limiter *ratelimit.Limiter, windows *history.Store, notifyThrottle bool) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		limiter:        limiter,
		windows:        windows,
		notifyThrottle: notifyThrottle,
		log:            slog.With("component", "dispatcher"),
		ctx:            ctx,
		cancel:         cancel,
		workers:        make(map[pairKey]*pairWorker),
	}
}

// Close stops every pair worker after it finishes its current op.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Observe appends evt to the pair's window without triggering inference.
// Sessions call this for every event that is not a mention of their own
// persona, so each persona sees the whole conversation as context.
func (d *Dispatcher) Observe(persona string, evt transport.RoomEvent) {
	d.worker(pairKey{persona, evt.RoomID}).push(op{observe: &evt})
}

// Dispatch enqueues req on its pair's worker. Returns immediately; the
// caller's feed consumption is never blocked by inference.
func (d *Dispatcher) Dispatch(req *Request) {
	d.worker(pairKey{req.Persona.Name, req.RoomID}).push(op{req: req})
}

func (d *Dispatcher) worker(k pairKey) *pairWorker {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[k]
	if !ok {
		w = &pairWorker{wake: make(chan struct{}, 1)}
		d.workers[k] = w
		d.wg.Add(1)
		go d.runWorker(k, w)
	}
	return w
}

func (d *Dispatcher) runWorker(k pairKey, w *pairWorker) {
	defer d.wg.Done()
	for {
		o, ok := w.pop()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}

		switch {
		case o.observe != nil:
			d.windows.Append(k.persona, k.room, *o.observe)
		case o.req != nil:
			d.handle(o.req)
		}
	}
}

// handle runs the full pipeline for one resolved mention. Exactly one
// terminal outcome becomes visible: a reply, a throttle notice (when
// configured), or a failure notice.
func (d *Dispatcher) handle(req *Request) {
	log := d.log.With("persona", req.Persona.Name, "room", req.RoomID, "requester", req.Requester)

	if !d.limiter.Allow(req.Requester) {
		log.Warn("throttled")
		if d.notifyThrottle {
			notice := fmt.Sprintf("%s, you're sending requests faster than I can take them. Give it a moment.", req.RequesterName)
			if _, err := req.Publisher.Publish(d.ctx, req.RoomID, notice); err != nil {
				log.Error("throttle notice failed", "err", err)
			}
		}
		return
	}

	snapshot := d.windows.Snapshot(req.Persona.Name, req.RoomID)
	turns := buildTurns(req.Persona, snapshot, req)

	req.Publisher.Typing(d.ctx, req.RoomID, true)
	reply, err := req.Persona.Backend.Infer(d.ctx, req.Persona.SystemPrompt, turns, req.Persona.Params)
	req.Publisher.Typing(d.ctx, req.RoomID, false)

	if err != nil {
		log.Error("backend failed", "err", err)
		// The mention was seen; say so. The failed exchange stays out of
		// the window so a later retry by the human starts clean.
		notice := "⚠️ Sorry, I couldn't answer that: " + failureCause(err)
		if _, perr := req.Publisher.Publish(d.ctx, req.RoomID, notice); perr != nil {
			log.Error("failure notice failed", "err", perr)
		}
		return
	}

	committed, err := req.Publisher.Publish(d.ctx, req.RoomID, reply.Text)
	if err != nil {
		log.Error("publish failed", "err", err)
		return
	}

	// Record the exchange only once it is durably visible to the room.
	d.windows.Append(req.Persona.Name, req.RoomID, req.Trigger)
	d.windows.Append(req.Persona.Name, req.RoomID, committed)

	log.Info("replied",
		"chars", len(reply.Text),
		"latency", reply.Latency,
		"completion_tokens", reply.CompletionTokens)
}

// buildTurns converts a window snapshot plus the new prompt into ordered
// role-tagged turns. The persona's own messages become assistant turns;
// everything else is a user turn attributed to its sender.
func buildTurns(p *Persona, snapshot []transport.RoomEvent, req *Request) []backend.Turn {
	turns := make([]backend.Turn, 0, len(snapshot)+1)
	for _, evt := range snapshot {
		if evt.Sender == p.User {
			turns = append(turns, backend.Turn{Role: "assistant", Content: evt.Body})
			continue
		}
		turns = append(turns, backend.Turn{Role: "user", Content: attributed(evt.SenderName, evt.Sender, evt.Body)})
	}
	turns = append(turns, backend.Turn{Role: "user", Content: attributed(req.RequesterName, req.Requester, req.Prompt)})
	return turns
}

func attributed(name, fallback, body string) string {
	if name == "" {
		name = fallback
	}
	if name == "" {
		return body
	}
	return name + ": " + body
}

func failureCause(err error) string {
	var be *backend.Error
	if errors.As(err, &be) {
		return be.Message
	}
	return "the model backend is unavailable right now."
}
