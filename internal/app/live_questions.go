package app

import (
	"context"
	"sync"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// LiveQuestions keeps the signed-in user's cloud questions current by
// applying the change feed to an initial load.
type LiveQuestions struct {
	deviceID string
	cloud    CloudStore
	feed     ChangeFeed
	events   EventBus
	log      *logger.Logger

	mu        sync.RWMutex
	userID    string
	questions []domain.Question
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewLiveQuestions(deviceID string, cloud CloudStore, feed ChangeFeed, events EventBus, log *logger.Logger) *LiveQuestions {
	return &LiveQuestions{
		deviceID: deviceID,
		cloud:    cloud,
		feed:     feed,
		events:   events,
		log:      log.With("component", "LiveQuestions", "device", deviceID),
	}
}

// Start loads userID's questions and follows the feed until Stop. A running
// subscription for another user is replaced.
func (l *LiveQuestions) Start(userID string) error {
	l.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	// Subscribe before the initial load so no change falls in between.
	changes, unsubscribe, err := l.feed.Subscribe(ctx, userID)
	if err != nil {
		cancel()
		return err
	}
	initial, err := l.cloud.ListQuestions(ctx, userID)
	if err != nil {
		unsubscribe()
		cancel()
		return err
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.userID = userID
	l.questions = initial
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go l.consume(ctx, changes, unsubscribe, done)
	l.log.Info("live questions started", "user", userID, "questions", len(initial))
	return nil
}

// Stop ends the subscription and waits for the consumer to exit.
func (l *LiveQuestions) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.userID = ""
	l.questions = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Questions returns a copy of the current question set.
func (l *LiveQuestions) Questions() []domain.Question {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Question{}, l.questions...)
}

// Active reports whether a subscription is running.
func (l *LiveQuestions) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cancel != nil
}

func (l *LiveQuestions) consume(ctx context.Context, changes <-chan domain.ChangeEvent, unsubscribe func(), done chan struct{}) {
	defer close(done)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if !l.apply(ev) {
				continue
			}
			if l.events != nil {
				err := l.events.Publish(ctx, domain.RefreshEvent{
					DeviceID:  l.deviceID,
					Name:      domain.EventQuestionsUpdated,
					Timestamp: time.Now().UTC(),
				})
				if err != nil && ctx.Err() == nil {
					l.log.Warn("publish questions update", "error", err)
				}
			}
		}
	}
}

func (l *LiveQuestions) apply(ev domain.ChangeEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Question.CreatedBy != l.userID {
		return false
	}

	idx := -1
	for i := range l.questions {
		if l.questions[i].ID == ev.Question.ID {
			idx = i
			break
		}
	}
	switch ev.Op {
	case domain.ChangeInsert, domain.ChangeUpdate:
		if idx >= 0 {
			l.questions[idx] = ev.Question
		} else {
			l.questions = append(l.questions, ev.Question)
		}
	case domain.ChangeDelete:
		if idx < 0 {
			return false
		}
		l.questions = append(l.questions[:idx], l.questions[idx+1:]...)
	default:
		return false
	}
	return true
}
