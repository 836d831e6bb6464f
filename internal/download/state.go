package download

import "fmt"

// State is the externally visible lifecycle state of a download.
type State string

const (
	StateInitializing State = "initializing"
	StateDownloading  State = "downloading"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateComplete     State = "complete"
	// StateRemoved is terminal and never reported; the download is gone.
	StateRemoved State = "removed"
)

// Event drives the state machine.
type Event string

const (
	EventStart           Event = "start"
	EventFirstChunk      Event = "first-chunk"
	EventFail            Event = "fail"
	EventPause           Event = "pause"
	EventResume          Event = "resume"
	EventRetry           Event = "retry"
	EventDrainedComplete Event = "drained-complete"
	EventCancel          Event = "cancel"
)

// Effect is a side effect the controller applies after a transition, in order.
type Effect string

const (
	EffectAbort        Effect = "abort"
	EffectStartSession Effect = "start-session"
	EffectPersist      Effect = "persist"
	EffectNotifyUpdate Effect = "notify-update"
	EffectDeleteFile   Effect = "delete-file"
	EffectDetach       Effect = "detach"
	EffectNotifyRemove Effect = "notify-remove"
	EffectCompleted    Effect = "completed"
)

// TrustMode tracks whether an untrusted server certificate was seen and accepted.
type TrustMode string

const (
	TrustUnknown            TrustMode = "unknown"
	TrustSelfSignedRejected TrustMode = "self-signed-rejected"
	TrustAllowInsecure      TrustMode = "allow-insecure"
)

type transition struct {
	to      State
	effects []Effect
}

var transitions = map[State]map[Event]transition{
	StateInitializing: {
		EventStart:           {StateInitializing, []Effect{EffectStartSession, EffectNotifyUpdate}},
		EventFirstChunk:      {StateDownloading, []Effect{EffectNotifyUpdate}},
		EventFail:            {StateError, []Effect{EffectAbort, EffectPersist, EffectNotifyUpdate}},
		EventPause:           {StatePaused, []Effect{EffectAbort, EffectPersist, EffectNotifyUpdate}},
		EventDrainedComplete: {StateComplete, []Effect{EffectPersist, EffectNotifyUpdate, EffectCompleted}},
		EventCancel:          {StateRemoved, []Effect{EffectAbort, EffectDeleteFile, EffectDetach, EffectNotifyRemove}},
	},
	StateDownloading: {
		EventFail:            {StateError, []Effect{EffectAbort, EffectPersist, EffectNotifyUpdate}},
		EventPause:           {StatePaused, []Effect{EffectAbort, EffectPersist, EffectNotifyUpdate}},
		EventDrainedComplete: {StateComplete, []Effect{EffectPersist, EffectNotifyUpdate, EffectCompleted}},
		EventCancel:          {StateRemoved, []Effect{EffectAbort, EffectDeleteFile, EffectDetach, EffectNotifyRemove}},
	},
	StatePaused: {
		EventResume: {StateInitializing, []Effect{EffectPersist, EffectStartSession, EffectNotifyUpdate}},
		EventCancel: {StateRemoved, []Effect{EffectAbort, EffectDeleteFile, EffectDetach, EffectNotifyRemove}},
	},
	StateError: {
		EventRetry:  {StateInitializing, []Effect{EffectStartSession, EffectNotifyUpdate}},
		EventCancel: {StateRemoved, []Effect{EffectAbort, EffectDeleteFile, EffectDetach, EffectNotifyRemove}},
	},
	StateComplete: {
		EventCancel: {StateRemoved, []Effect{EffectDetach, EffectNotifyRemove}},
	},
}

// Transition returns the state reached from `from` on ev and the effects to
// apply. It has no side effects.
func Transition(from State, ev Event) (State, []Effect, error) {
	t, ok := transitions[from][ev]
	if !ok {
		return from, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}

	effects := make([]Effect, len(t.effects))
	copy(effects, t.effects)

	return t.to, effects, nil
}
