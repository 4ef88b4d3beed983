package session

import "fmt"

// State is the recording lifecycle of one device connection.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind enumerates machine inputs.
type EventKind int

const (
	EventWakeWord EventKind = iota
	EventRecordingStarted
	EventRecordingEnded
	EventRecordingCancelled
	EventAudio
	EventTurnDone
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventWakeWord:
		return "wake_word_detected"
	case EventRecordingStarted:
		return "recording_started"
	case EventRecordingEnded:
		return "recording_ended"
	case EventRecordingCancelled:
		return "recording_cancelled"
	case EventAudio:
		return "audio"
	case EventTurnDone:
		return "turn_done"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one machine input. Audio is set only for EventAudio.
type Event struct {
	Kind  EventKind
	Audio []byte
}

// EffectKind enumerates what the runtime must do after a transition.
type EffectKind int

const (
	// EffectWakeWord is informational. Reason is set when it arrived outside Idle.
	EffectWakeWord EffectKind = iota
	// EffectStartTurn submits Audio to the pipeline as turn Turn.
	EffectStartTurn
	// EffectQueued means an utterance is waiting behind the in-flight turn.
	EffectQueued
	// EffectNothingToProcess is an ended recording with no audio.
	EffectNothingToProcess
	// EffectDiscarded reports a cancelled or restarted recording.
	EffectDiscarded
	// EffectOverflow reports audio dropped because the utterance cap was hit.
	EffectOverflow
	// EffectIgnored is an out-of-order event.
	EffectIgnored
	// EffectClosed carries whatever was buffered at disconnect.
	EffectClosed
)

// Effect is an instruction for the runtime. The machine never performs I/O.
type Effect struct {
	Kind   EffectKind
	Audio  []byte
	Turn   int
	Reason string
}

// Machine is the per-connection recording state. It is a value: Apply
// returns the next machine and the effects to run.
//
// At most one turn is in flight. Utterances that end while one is running
// wait in pending and start, in order, as each turn completes.
type Machine struct {
	state    State
	buf      []byte
	inFlight bool
	pending  [][]byte
	turns    int
	maxBytes int
	overflow bool
}

// NewMachine returns an idle machine. maxUtteranceBytes <= 0 disables the cap.
func NewMachine(maxUtteranceBytes int) Machine {
	return Machine{state: StateIdle, maxBytes: maxUtteranceBytes}
}

func (m Machine) State() State { return m.state }
func (m Machine) Buffered() int { return len(m.buf) }
func (m Machine) InFlight() bool { return m.inFlight }
func (m Machine) Pending() int { return len(m.pending) }
func (m Machine) TurnCount() int { return m.turns }

// Apply is the transition function.
func (m Machine) Apply(ev Event) (Machine, []Effect) {
	if m.state == StateClosed {
		return m, []Effect{ignored(ev, "session closed")}
	}

	switch ev.Kind {
	case EventWakeWord:
		// firmware may repeat it during playback
		if m.state != StateIdle {
			return m, []Effect{{Kind: EffectWakeWord, Reason: "wake word while " + m.state.String()}}
		}
		return m, []Effect{{Kind: EffectWakeWord}}

	case EventRecordingStarted:
		var effects []Effect
		if m.state == StateRecording && len(m.buf) > 0 {
			effects = append(effects, Effect{Kind: EffectDiscarded, Reason: "recording restarted", Audio: m.buf})
		}
		m.state = StateRecording
		m.buf = nil
		m.overflow = false
		return m, effects

	case EventAudio:
		if m.state != StateRecording {
			return m, []Effect{ignored(ev, "audio while "+m.state.String())}
		}
		// past the cap the rest of the utterance is dropped, keeping the buffer contiguous
		if m.overflow {
			return m, nil
		}
		if m.maxBytes > 0 && len(m.buf)+len(ev.Audio) > m.maxBytes {
			m.overflow = true
			return m, []Effect{{Kind: EffectOverflow, Reason: "utterance size cap reached"}}
		}
		m.buf = append(m.buf, ev.Audio...)
		return m, nil

	case EventRecordingCancelled:
		if m.state != StateRecording {
			return m, []Effect{ignored(ev, "cancel while "+m.state.String())}
		}
		discarded := m.buf
		m.buf = nil
		m.state = m.restingState()
		return m, []Effect{{Kind: EffectDiscarded, Reason: "recording cancelled", Audio: discarded}}

	case EventRecordingEnded:
		if m.state != StateRecording {
			return m, []Effect{ignored(ev, "end while "+m.state.String())}
		}
		utterance := m.buf
		m.buf = nil
		if len(utterance) == 0 {
			m.state = m.restingState()
			return m, []Effect{{Kind: EffectNothingToProcess}}
		}
		m.state = StateProcessing
		if m.inFlight {
			m.pending = append(m.pending, utterance)
			return m, []Effect{{Kind: EffectQueued, Turn: m.turns + len(m.pending)}}
		}
		return m.start(utterance)

	case EventTurnDone:
		if !m.inFlight {
			return m, []Effect{ignored(ev, "no turn in flight")}
		}
		m.inFlight = false
		if len(m.pending) > 0 {
			next := m.pending[0]
			m.pending = m.pending[1:]
			return m.start(next)
		}
		if m.state == StateProcessing {
			m.state = StateIdle
		}
		return m, nil

	case EventDisconnect:
		buffered := m.buf
		m.buf = nil
		m.pending = nil
		m.state = StateClosed
		return m, []Effect{{Kind: EffectClosed, Audio: buffered}}

	default:
		return m, []Effect{ignored(ev, "unknown event")}
	}
}

func (m Machine) start(utterance []byte) (Machine, []Effect) {
	m.inFlight = true
	m.turns++
	if m.state != StateRecording {
		m.state = StateProcessing
	}
	return m, []Effect{{Kind: EffectStartTurn, Audio: utterance, Turn: m.turns}}
}

// restingState is where the machine goes when a recording ends without
// starting a new turn.
func (m Machine) restingState() State {
	if m.inFlight {
		return StateProcessing
	}
	return StateIdle
}

func ignored(ev Event, reason string) Effect {
	return Effect{Kind: EffectIgnored, Reason: ev.Kind.String() + ": " + reason}
}
