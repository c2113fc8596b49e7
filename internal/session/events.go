package session

import (
	"github.com/harunnryd/kago/internal/container"
)

// event is anything the registry loop applies to its state.
type event interface {
	apply(r *Registry)
}

type messageEvent struct {
	msg Message
}

func (e messageEvent) apply(r *Registry) { r.onMessage(e.msg) }

type spawnedEvent struct {
	chatID string
	gen    uint64
	worker Worker
	err    error
}

func (e spawnedEvent) apply(r *Registry) { r.onSpawned(e) }

type frameEvent struct {
	chatID string
	gen    uint64
	frame  container.Frame
}

func (e frameEvent) apply(r *Registry) { r.onFrame(e) }

type exitEvent struct {
	chatID string
	gen    uint64
	result container.Result
	err    error
}

func (e exitEvent) apply(r *Registry) { r.onExit(e) }

type idleEvent struct {
	chatID string
	gen    uint64
}

func (e idleEvent) apply(r *Registry) { r.onIdle(e) }

type taskEvent struct {
	chatID string
	run    *taskRun
}

func (e taskEvent) apply(r *Registry) { r.onTask(e) }

type resetEvent struct {
	chatID string
	model  string
	reply  chan error
}

func (e resetEvent) apply(r *Registry) { r.onReset(e) }

type statusEvent struct {
	reply chan []ChatStatus
}

func (e statusEvent) apply(r *Registry) { r.onStatus(e) }
