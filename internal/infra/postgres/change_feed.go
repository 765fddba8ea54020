package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// NotifyChannel is the channel the questions trigger notifies on.
const NotifyChannel = "question_changes"

const (
	defaultListenTimeout = 5 * time.Second
	defaultRetryDelay    = time.Second
)

var errFeedClosed = errors.New("change feed closed")

type notification struct {
	Op        string      `json:"op"`
	Truncated bool        `json:"truncated"`
	Question  questionRow `json:"question"`
}

type subscriber struct {
	userID string
	out    chan domain.ChangeEvent
}

// ChangeFeed implements app.ChangeFeed with LISTEN/NOTIFY. All subscriptions
// share one pooled connection, held from the first Subscribe until Close, and
// notifications are fanned out by owner.
type ChangeFeed struct {
	pool  *pgxpool.Pool
	store *CloudStore
	log   *logger.Logger

	listenTimeout time.Duration
	retryDelay    time.Duration

	mu        sync.Mutex
	subs      map[string]map[*subscriber]struct{}
	ready     chan struct{}
	listening bool
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewChangeFeed listens through pool. store reloads rows whose payload was
// too large for a notification.
func NewChangeFeed(pool *pgxpool.Pool, store *CloudStore, log *logger.Logger) *ChangeFeed {
	return &ChangeFeed{
		pool:          pool,
		store:         store,
		log:           log.With("component", "ChangeFeed"),
		listenTimeout: defaultListenTimeout,
		retryDelay:    defaultRetryDelay,
		subs:          make(map[string]map[*subscriber]struct{}),
		ready:         make(chan struct{}),
	}
}

// Subscribe streams question changes owned by userID. It waits at most the
// listen timeout for the shared listener to be up, so an exhausted pool fails
// the call instead of blocking it.
// The caller must invoke the returned cancel function to avoid leaks.
func (f *ChangeFeed) Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, func(), error) {
	sub := &subscriber{userID: userID, out: make(chan domain.ChangeEvent, 32)}
	ready, err := f.register(sub)
	if err != nil {
		return nil, nil, err
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, f.listenTimeout)
	defer cancelWait()
	select {
	case <-ready:
	case <-waitCtx.Done():
		f.unregister(sub)
		return nil, nil, fmt.Errorf("listen on %s: %w", NotifyChannel, waitCtx.Err())
	}

	var once sync.Once
	stop := func() { once.Do(func() { f.unregister(sub) }) }
	return sub.out, stop, nil
}

// Close stops the listener, releases its connection and closes every open
// subscription channel.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	f.closed = true
	for _, set := range f.subs {
		for sub := range set {
			close(sub.out)
		}
	}
	f.subs = make(map[string]map[*subscriber]struct{})
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *ChangeFeed) register(sub *subscriber) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errFeedClosed
	}
	set := f.subs[sub.userID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		f.subs[sub.userID] = set
	}
	set[sub] = struct{}{}

	if !f.started && f.pool != nil {
		f.started = true
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.run(ctx)
	}
	return f.ready, nil
}

func (f *ChangeFeed) unregister(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[sub.userID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.userID)
	}
	close(sub.out)
}

func (f *ChangeFeed) run(ctx context.Context) {
	defer close(f.done)
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn("change feed listener stopped, retrying", "error", err, "delay", f.retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+NotifyChannel)
	}()

	f.setListening(true)
	defer f.setListening(false)
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		f.dispatch(ctx, n.Payload)
	}
}

func (f *ChangeFeed) setListening(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case up && !f.listening:
		close(f.ready)
	case !up && f.listening:
		f.ready = make(chan struct{})
	}
	f.listening = up
}

func (f *ChangeFeed) dispatch(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		f.log.Warn("malformed change notification", "error", err)
		return
	}
	owner := n.Question.CreatedBy

	f.mu.Lock()
	_, wanted := f.subs[owner]
	f.mu.Unlock()
	if !wanted {
		return
	}

	ev, ok := f.decode(ctx, n)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[owner] {
		select {
		case sub.out <- ev:
		default:
			f.log.Warn("change feed subscriber lagging, event dropped", "user", owner, "id", ev.Question.ID)
		}
	}
}

func (f *ChangeFeed) decode(ctx context.Context, n notification) (domain.ChangeEvent, bool) {
	op := domain.ChangeOp(strings.ToUpper(n.Op))
	question := n.Question.toDomain()
	if n.Truncated && op != domain.ChangeDelete {
		full, err := f.store.GetQuestion(ctx, n.Question.ID)
		if err != nil {
			f.log.Warn("reload truncated question", "id", n.Question.ID, "error", err)
			return domain.ChangeEvent{}, false
		}
		question = full
	}
	return domain.ChangeEvent{Op: op, Question: question}, true
}
