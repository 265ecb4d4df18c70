package assignment

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/queue"
)

// Waiting is the queue side of dispatch.
type Waiting interface {
	Len() int
	DequeueNext(capabilities []string) (queue.Entry, bool)
	Requeue(e queue.Entry) (queue.Entry, error)
}

// OperatorLister lists online operators.
type OperatorLister interface {
	ListOnlineOperators(filter func(userID string) bool) []string
}

// Dispatcher matches waiting visitors to online operators with spare capacity.
type Dispatcher struct {
	log      *slog.Logger
	engine   *Engine
	queue    Waiting
	online   OperatorLister
	dir      Directory
	interval time.Duration

	kick chan struct{}

	mu          sync.Mutex
	ownRequeues map[string]struct{} // queue IDs this dispatcher put back itself
}

// NewDispatcher constructs a Dispatcher. interval is the fallback poll period (default 1s).
func NewDispatcher(log *slog.Logger, engine *Engine, q Waiting, online OperatorLister, dir Directory, interval time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		log:         log,
		engine:      engine,
		queue:       q,
		online:      online,
		dir:         dir,
		interval:    interval,
		kick:        make(chan struct{}, 1),
		ownRequeues: make(map[string]struct{}),
	}
}

// Kick requests a dispatch pass. Multiple kicks before the loop wakes coalesce into one, and a
// kick that arrives while a pass runs produces one more pass after it.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// QueueChanged is the queue listener. Entries arriving from outside kick a pass; dequeues,
// abandons and the dispatcher's own requeues cannot create a new match and are ignored.
func (d *Dispatcher) QueueChanged(ch queue.Change) {
	switch ch.Kind {
	case queue.ChangeEnqueued:
		d.Kick()
	case queue.ChangeRequeued:
		d.mu.Lock()
		_, own := d.ownRequeues[ch.Entry.QueueID]
		delete(d.ownRequeues, ch.Entry.QueueID)
		d.mu.Unlock()
		if !own {
			d.Kick()
		}
	}
}

// Run dispatches on every kick and on the fallback interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
		case <-t.C:
		}
		d.DispatchOnce(ctx)
	}
}

type candidate struct {
	id   string
	load int
	caps []string
}

// DispatchOnce assigns as many waiting visitors as possible and returns how many it assigned.
// Each round hands the best eligible queue entry to the least loaded operator.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	assigned := 0
	for ctx.Err() == nil && d.queue.Len() > 0 {
		cands := d.candidates(ctx)
		if len(cands) == 0 {
			break
		}

		progress := false
		for _, c := range cands {
			entry, ok := d.queue.DequeueNext(c.caps)
			if !ok {
				continue
			}

			_, err := d.engine.Create(ctx, c.id, entry.VisitorID, entry.ChatID, QueueSource{
				QueueID:  entry.QueueID,
				Priority: entry.Priority,
				QueuedAt: entry.QueuedAt,
				Tags:     entry.Tags,
			})
			if err == nil {
				assigned++
				progress = true
				break
			}

			if apperr.Is(err, apperr.ErrChatAlreadyAssigned) {
				// The chat got an operator another way; the entry is obsolete.
				d.log.Info("dispatch.entry_obsolete", "queue_id", entry.QueueID, "chat_id", entry.ChatID)
				progress = true
				break
			}
			d.requeue(entry)
			d.log.Debug("dispatch.create_failed", "operator_id", c.id, "queue_id", entry.QueueID, "code", apperr.Code(err))
		}
		if !progress {
			break
		}
	}

	if assigned > 0 {
		d.log.Info("dispatch.pass", "assigned", assigned, "waiting", d.queue.Len())
	}
	return assigned
}

func (d *Dispatcher) requeue(entry queue.Entry) {
	d.mu.Lock()
	d.ownRequeues[entry.QueueID] = struct{}{}
	d.mu.Unlock()

	if _, err := d.queue.Requeue(entry); err != nil {
		d.mu.Lock()
		delete(d.ownRequeues, entry.QueueID)
		d.mu.Unlock()
		d.log.Warn("dispatch.requeue_failed", "queue_id", entry.QueueID, "err", err)
	}
}

func (d *Dispatcher) candidates(ctx context.Context) []candidate {
	var out []candidate
	for _, id := range d.online.ListOnlineOperators(nil) {
		oper, err := d.dir.GetOperator(ctx, id)
		if err != nil {
			continue
		}
		load := d.engine.Load(id)
		if load >= oper.Capacity {
			continue
		}
		out = append(out, candidate{id: id, load: load, caps: oper.Capabilities})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].load < out[j].load })
	return out
}
