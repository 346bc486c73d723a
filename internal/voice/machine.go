// Package voice implements the push/voice chat interaction state
// machine as a pure reducer: Transition performs no I/O and returns the
// effects the caller must execute against the recognition and TTS
// engines. Effect-as-data keeps the machine testable over its full
// state/event product.
package voice

import "strings"

// State is the voice interaction mode.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// EventType discriminates Event.
type EventType string

const (
	EventMicOn            EventType = "MIC_ON"
	EventMicOff           EventType = "MIC_OFF"
	EventSpeechResult     EventType = "SPEECH_RESULT"
	EventSilenceDetected  EventType = "SILENCE_DETECTED"
	EventSend             EventType = "SEND"
	EventResponseReceived EventType = "RESPONSE_RECEIVED"
	EventTTSStarted       EventType = "TTS_STARTED"
	EventTTSEnded         EventType = "TTS_ENDED"
	EventTTSError         EventType = "TTS_ERROR"
	EventBargeIn          EventType = "BARGE_IN"
	EventCancel           EventType = "CANCEL"
	EventError            EventType = "ERROR"
	EventRecover          EventType = "RECOVER"
	EventUnmount          EventType = "UNMOUNT"
	EventPushToTalkDown   EventType = "PUSH_TO_TALK_PRESSED"
	EventPushToTalkUp     EventType = "PUSH_TO_TALK_RELEASED"
)

// Event is one input to the machine. Only the fields relevant to the
// event type are read.
type Event struct {
	Type       EventType
	Transcript string // SPEECH_RESULT
	IsFinal    bool   // SPEECH_RESULT
	Text       string // SILENCE_DETECTED, SEND, RESPONSE_RECEIVED
	Err        string // TTS_ERROR, ERROR
	Code       string // ERROR: "not-allowed", "audio-capture", ...
}

// EffectType discriminates Effect.
type EffectType string

const (
	EffectStartRecognition  EffectType = "START_RECOGNITION"
	EffectStopRecognition   EffectType = "STOP_RECOGNITION"
	EffectSendMessage       EffectType = "SEND_MESSAGE"
	EffectStartTTS          EffectType = "START_TTS"
	EffectStopTTS           EffectType = "STOP_TTS"
	EffectClearSilenceTimer EffectType = "CLEAR_SILENCE_TIMER"
	EffectStartSilenceTimer EffectType = "START_SILENCE_TIMER"
	EffectCleanupAudio      EffectType = "CLEANUP_AUDIO"
	EffectRevokeBlobURLs    EffectType = "REVOKE_BLOB_URLS"
	EffectAbortRequest      EffectType = "ABORT_REQUEST"
	EffectLog               EffectType = "LOG"
)

// Effect is a typed intent for the caller to execute.
type Effect struct {
	Type     EffectType
	Text     string // SEND_MESSAGE, START_TTS, START_SILENCE_TIMER
	Message  string // LOG
	LogLevel string // LOG: info, warn, error
}

// Context is the machine's full state. Create it with InitialContext
// and mutate it only through Transition.
type Context struct {
	State        State
	MicOn        bool
	Transcript   string // current interim + final display text
	PendingText  string // finals accumulated while waiting for silence
	LastResponse string
	Err          string
	ErrCode      string
	AutoRestart  bool

	// InterruptedWhileProcessing records a barge-in that aborted an
	// in-flight request, for telemetry.
	InterruptedWhileProcessing bool
}

// InitialContext returns a fresh idle context.
func InitialContext() Context {
	return Context{State: StateIdle, AutoRestart: true}
}

func logEffect(level, message string) Effect {
	return Effect{Type: EffectLog, LogLevel: level, Message: message}
}

// permanentSpeechError reports recognition errors that require explicit
// recovery rather than a silent restart.
func permanentSpeechError(code string) bool {
	return code == "not-allowed" || code == "audio-capture"
}

// Transition is the pure step function. It is total: every
// (state, event) pair returns a valid context, unknown combinations
// return the context unchanged with no effects.
func Transition(ctx Context, event Event) (Context, []Effect) {
	switch ctx.State {
	case StateIdle:
		return transitionIdle(ctx, event)
	case StateListening:
		return transitionListening(ctx, event)
	case StateProcessing:
		return transitionProcessing(ctx, event)
	case StateSpeaking:
		return transitionSpeaking(ctx, event)
	case StateError:
		return transitionError(ctx, event)
	default:
		// Unknown state, e.g. a zero-value Context: reset on unmount,
		// ignore everything else.
		if event.Type == EventUnmount {
			return InitialContext(), unmountEffects(ctx)
		}
		return ctx, nil
	}
}

func transitionIdle(ctx Context, event Event) (Context, []Effect) {
	switch event.Type {
	case EventMicOn, EventPushToTalkDown:
		ctx.State = StateListening
		ctx.MicOn = true
		ctx.Transcript = ""
		ctx.PendingText = ""
		ctx.Err = ""
		ctx.ErrCode = ""
		return ctx, []Effect{{Type: EffectStartRecognition}}
	case EventUnmount:
		return InitialContext(), unmountEffects(ctx)
	default:
		return ctx, nil
	}
}

func transitionListening(ctx Context, event Event) (Context, []Effect) {
	switch event.Type {
	case EventMicOff, EventPushToTalkUp:
		ctx.State = StateIdle
		ctx.MicOn = false
		ctx.Transcript = ""
		ctx.PendingText = ""
		return ctx, []Effect{{Type: EffectStopRecognition}, {Type: EffectClearSilenceTimer}}

	case EventSpeechResult:
		// The transcript already carries all accumulated text (finals +
		// interim) from the recognition engine; use it directly.
		ctx.Transcript = event.Transcript
		if event.IsFinal {
			ctx.PendingText = event.Transcript
		}
		timerText := ctx.PendingText
		if timerText == "" {
			timerText = event.Transcript
		}
		return ctx, []Effect{
			{Type: EffectClearSilenceTimer},
			{Type: EffectStartSilenceTimer, Text: timerText},
		}

	case EventSilenceDetected, EventSend:
		if strings.TrimSpace(event.Text) == "" {
			return ctx, nil
		}
		ctx.State = StateProcessing
		ctx.Transcript = ""
		ctx.PendingText = ""
		return ctx, []Effect{
			{Type: EffectClearSilenceTimer},
			{Type: EffectSendMessage, Text: event.Text},
		}

	case EventError:
		effects := []Effect{logEffect("error", "listening error: "+event.Err)}
		if permanentSpeechError(event.Code) {
			ctx.State = StateError
			ctx.MicOn = false
			ctx.Err = event.Err
			ctx.ErrCode = event.Code
			return ctx, append(effects, Effect{Type: EffectStopRecognition})
		}
		// Transient (no-speech, network): restart recognition in place.
		return ctx, append(effects, Effect{Type: EffectStartRecognition})

	case EventUnmount:
		return InitialContext(), unmountEffects(ctx)

	default:
		return ctx, nil
	}
}

func transitionProcessing(ctx Context, event Event) (Context, []Effect) {
	switch event.Type {
	case EventResponseReceived:
		ctx.LastResponse = event.Text
		if ctx.MicOn {
			ctx.State = StateSpeaking
			return ctx, []Effect{{Type: EffectStartTTS, Text: event.Text}}
		}
		ctx.State = StateIdle
		return ctx, nil

	case EventBargeIn:
		// User started talking while the request is in flight: abort it
		// and listen for the extra context.
		ctx.State = StateListening
		ctx.InterruptedWhileProcessing = true
		return ctx, []Effect{
			{Type: EffectAbortRequest},
			logEffect("info", "barge-in during processing, aborting request"),
		}

	case EventSpeechResult:
		// Same interrupt as BARGE_IN, but carrying a transcript. The
		// recognition engine's accumulated finals include the original
		// text plus the new speech, so the next SILENCE_DETECTED sends
		// the full combined message.
		ctx.State = StateListening
		ctx.InterruptedWhileProcessing = true
		ctx.Transcript = event.Transcript
		if event.IsFinal {
			ctx.PendingText = event.Transcript
		}
		timerText := ctx.PendingText
		if timerText == "" {
			timerText = event.Transcript
		}
		return ctx, []Effect{
			{Type: EffectAbortRequest},
			logEffect("info", "speech during processing, interrupting to add context"),
			{Type: EffectClearSilenceTimer},
			{Type: EffectStartSilenceTimer, Text: timerText},
		}

	case EventCancel:
		if ctx.MicOn {
			ctx.State = StateListening
		} else {
			ctx.State = StateIdle
		}
		return ctx, []Effect{logEffect("info", "processing cancelled")}

	case EventMicOff, EventPushToTalkUp:
		// Stay in processing: the response is still expected, it just
		// won't be spoken.
		ctx.MicOn = false
		return ctx, []Effect{{Type: EffectStopRecognition}}

	case EventError:
		ctx.Err = event.Err
		if ctx.MicOn {
			ctx.State = StateListening
		} else {
			ctx.State = StateIdle
		}
		return ctx, []Effect{logEffect("error", "processing error: "+event.Err)}

	case EventUnmount:
		return InitialContext(), unmountEffects(ctx)

	default:
		return ctx, nil
	}
}

func transitionSpeaking(ctx Context, event Event) (Context, []Effect) {
	switch event.Type {
	case EventTTSEnded, EventTTSError:
		effects := []Effect{{Type: EffectRevokeBlobURLs}}
		if event.Type == EventTTSError {
			ctx.Err = event.Err
			effects = append(effects, logEffect("error", "tts error: "+event.Err))
		}
		if ctx.MicOn {
			ctx.State = StateListening
			effects = append(effects, Effect{Type: EffectStartRecognition})
		} else {
			ctx.State = StateIdle
		}
		return ctx, effects

	case EventBargeIn, EventSpeechResult:
		// User interrupt beats finishing playback.
		ctx.State = StateListening
		ctx.Transcript = ""
		ctx.PendingText = ""
		if event.Type == EventSpeechResult {
			ctx.Transcript = event.Transcript
			if event.IsFinal {
				ctx.PendingText = event.Transcript
			}
		}
		return ctx, []Effect{
			{Type: EffectStopTTS},
			{Type: EffectRevokeBlobURLs},
			logEffect("info", "barge-in during speaking"),
		}

	case EventMicOff, EventPushToTalkUp:
		ctx.State = StateIdle
		ctx.MicOn = false
		return ctx, []Effect{
			{Type: EffectStopTTS},
			{Type: EffectStopRecognition},
			{Type: EffectRevokeBlobURLs},
		}

	case EventUnmount:
		return InitialContext(), unmountEffects(ctx)

	default:
		return ctx, nil
	}
}

func transitionError(ctx Context, event Event) (Context, []Effect) {
	switch event.Type {
	case EventRecover, EventMicOn, EventPushToTalkDown:
		ctx.State = StateListening
		ctx.MicOn = true
		ctx.Err = ""
		ctx.ErrCode = ""
		return ctx, []Effect{{Type: EffectStartRecognition}}
	case EventUnmount:
		return InitialContext(), unmountEffects(ctx)
	default:
		return ctx, nil
	}
}

// unmountEffects is the guaranteed teardown list: recognition and TTS
// stopped, timers cleared, audio handles released, blob URLs revoked.
// Reachable from every state via UNMOUNT.
func unmountEffects(ctx Context) []Effect {
	effects := []Effect{}
	switch ctx.State {
	case StateListening:
		effects = append(effects, Effect{Type: EffectStopRecognition}, Effect{Type: EffectClearSilenceTimer})
	case StateProcessing:
		effects = append(effects, Effect{Type: EffectAbortRequest})
	case StateSpeaking:
		effects = append(effects, Effect{Type: EffectStopTTS}, Effect{Type: EffectStopRecognition}, Effect{Type: EffectRevokeBlobURLs})
	}
	return append(effects, Effect{Type: EffectCleanupAudio})
}
