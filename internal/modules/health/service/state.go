package service

import (
	"sync/atomic"
	"time"

	resilience "copytrade_bot/internal/modules/resilience/service"
)

// StoreHealth — состояние хранилища глазами Guard.
type StoreHealth interface {
	Snapshot() resilience.State
}

// FeedStats — сколько клиентов подписано на ленту сделок.
type FeedStats interface {
	Clients() int
}

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	store StoreHealth
	feed  FeedStats
}

func NewState(store StoreHealth, feed FeedStats) *State {
	s := &State{startedAt: time.Now(), store: store, feed: feed}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }

// Ready — приложение поднято и хранилище не в деградации.
func (s *State) Ready() bool {
	return s.ready.Load() && s.Store().Healthy
}

func (s *State) Store() resilience.State {
	if s.store == nil {
		return resilience.State{Healthy: true}
	}
	return s.store.Snapshot()
}

func (s *State) FeedClients() int {
	if s.feed == nil {
		return 0
	}
	return s.feed.Clients()
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
