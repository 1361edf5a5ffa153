package adminserver

import (
	"time"

	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

// WireTransitions registers a Hub as the escalation state machine's
// transition callback, so every guard-driven or manual level change is
// broadcast to connected consoles as it happens.
func WireTransitions(sm *escalation.StateMachine, hub *Hub) {
	sm.OnTransition(func(t *store.Transition) {
		hub.Broadcast(&Event{
			Type:      EventTransition,
			Timestamp: time.Now(),
			Data:      t,
		})
	})
}

// BroadcastRunCompleted notifies connected consoles that a scheduler tick
// finished. Callers invoke this from the scheduler's post-run hook.
func BroadcastRunCompleted(hub *Hub, run *store.Run) {
	hub.Broadcast(&Event{
		Type:      EventRunCompleted,
		Timestamp: time.Now(),
		Data:      run,
	})
}
