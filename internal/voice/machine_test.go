package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateError}

var allEvents = []EventType{
	EventMicOn, EventMicOff, EventSpeechResult, EventSilenceDetected,
	EventSend, EventResponseReceived, EventTTSStarted, EventTTSEnded,
	EventTTSError, EventBargeIn, EventCancel, EventError, EventRecover,
	EventUnmount, EventPushToTalkDown, EventPushToTalkUp,
}

func hasEffect(effects []Effect, t EffectType) bool {
	for _, e := range effects {
		if e.Type == t {
			return true
		}
	}
	return false
}

func TestTransitionTotal(t *testing.T) {
	for _, state := range allStates {
		for _, ev := range allEvents {
			ctx := Context{State: state, MicOn: true}
			next, _ := Transition(ctx, Event{Type: ev, Text: "hello", Transcript: "hello"})
			assert.Contains(t, allStates, next.State, "state %s event %s produced invalid state", state, ev)
		}
	}
}

func TestUnmountTotal(t *testing.T) {
	for _, state := range allStates {
		ctx := Context{State: state, MicOn: true, Transcript: "partial", Err: "boom"}
		next, effects := Transition(ctx, Event{Type: EventUnmount})
		assert.Equal(t, InitialContext(), next, "unmount from %s must reset", state)
		assert.True(t, hasEffect(effects, EffectCleanupAudio), "unmount from %s must clean up audio", state)
	}
}

func TestMicOnStartsListening(t *testing.T) {
	next, effects := Transition(InitialContext(), Event{Type: EventMicOn})
	assert.Equal(t, StateListening, next.State)
	assert.True(t, next.MicOn)
	assert.True(t, hasEffect(effects, EffectStartRecognition))
}

func TestPushToTalkAliasesMic(t *testing.T) {
	down, _ := Transition(InitialContext(), Event{Type: EventPushToTalkDown})
	assert.Equal(t, StateListening, down.State)

	up, effects := Transition(down, Event{Type: EventPushToTalkUp})
	assert.Equal(t, StateIdle, up.State)
	assert.False(t, up.MicOn)
	assert.True(t, hasEffect(effects, EffectStopRecognition))
}

func TestSilenceSendsAccumulatedText(t *testing.T) {
	ctx := Context{State: StateListening, MicOn: true}

	ctx, effects := Transition(ctx, Event{Type: EventSpeechResult, Transcript: "write the report", IsFinal: true})
	assert.Equal(t, "write the report", ctx.PendingText)
	assert.True(t, hasEffect(effects, EffectStartSilenceTimer))

	ctx, effects = Transition(ctx, Event{Type: EventSilenceDetected, Text: "write the report"})
	assert.Equal(t, StateProcessing, ctx.State)
	require.True(t, hasEffect(effects, EffectSendMessage))
	for _, e := range effects {
		if e.Type == EffectSendMessage {
			assert.Equal(t, "write the report", e.Text)
		}
	}
	assert.Empty(t, ctx.Transcript)
	assert.Empty(t, ctx.PendingText)
}

func TestSilenceWithBlankTextIsNoop(t *testing.T) {
	ctx := Context{State: StateListening, MicOn: true, Transcript: "interim"}
	next, effects := Transition(ctx, Event{Type: EventSilenceDetected, Text: "   "})
	assert.Equal(t, ctx, next)
	assert.Empty(t, effects)
}

func TestBargeInDuringProcessingAbortsRequest(t *testing.T) {
	ctx := Context{State: StateProcessing, MicOn: true}
	next, effects := Transition(ctx, Event{Type: EventBargeIn})
	assert.Equal(t, StateListening, next.State)
	assert.True(t, next.InterruptedWhileProcessing)
	assert.True(t, hasEffect(effects, EffectAbortRequest))
}

func TestSpeechDuringProcessingKeepsTranscript(t *testing.T) {
	ctx := Context{State: StateProcessing, MicOn: true}
	next, effects := Transition(ctx, Event{
		Type:       EventSpeechResult,
		Transcript: "write the report and also include charts",
		IsFinal:    true,
	})
	assert.Equal(t, StateListening, next.State)
	assert.True(t, next.InterruptedWhileProcessing)
	assert.Equal(t, "write the report and also include charts", next.PendingText)
	assert.True(t, hasEffect(effects, EffectAbortRequest))
	assert.True(t, hasEffect(effects, EffectStartSilenceTimer))
}

func TestResponseSpeaksOnlyWithMicOn(t *testing.T) {
	withMic := Context{State: StateProcessing, MicOn: true}
	next, effects := Transition(withMic, Event{Type: EventResponseReceived, Text: "done"})
	assert.Equal(t, StateSpeaking, next.State)
	assert.True(t, hasEffect(effects, EffectStartTTS))
	assert.Equal(t, "done", next.LastResponse)

	withoutMic := Context{State: StateProcessing, MicOn: false}
	next, effects = Transition(withoutMic, Event{Type: EventResponseReceived, Text: "done"})
	assert.Equal(t, StateIdle, next.State)
	assert.False(t, hasEffect(effects, EffectStartTTS))
}

func TestBargeInDuringSpeakingStopsTTS(t *testing.T) {
	ctx := Context{State: StateSpeaking, MicOn: true}
	next, effects := Transition(ctx, Event{Type: EventBargeIn})
	assert.Equal(t, StateListening, next.State)
	assert.True(t, hasEffect(effects, EffectStopTTS))
	assert.True(t, hasEffect(effects, EffectRevokeBlobURLs))
}

func TestTTSEndedResumesListeningWhenMicOn(t *testing.T) {
	ctx := Context{State: StateSpeaking, MicOn: true}
	next, effects := Transition(ctx, Event{Type: EventTTSEnded})
	assert.Equal(t, StateListening, next.State)
	assert.True(t, hasEffect(effects, EffectStartRecognition))
	assert.True(t, hasEffect(effects, EffectRevokeBlobURLs))

	ctx = Context{State: StateSpeaking, MicOn: false}
	next, _ = Transition(ctx, Event{Type: EventTTSEnded})
	assert.Equal(t, StateIdle, next.State)
}

func TestPermanentSpeechErrorEntersErrorState(t *testing.T) {
	ctx := Context{State: StateListening, MicOn: true}
	next, effects := Transition(ctx, Event{Type: EventError, Err: "permission denied", Code: "not-allowed"})
	assert.Equal(t, StateError, next.State)
	assert.False(t, next.MicOn)
	assert.Equal(t, "not-allowed", next.ErrCode)
	assert.True(t, hasEffect(effects, EffectStopRecognition))

	recovered, effects := Transition(next, Event{Type: EventRecover})
	assert.Equal(t, StateListening, recovered.State)
	assert.Empty(t, recovered.Err)
	assert.True(t, hasEffect(effects, EffectStartRecognition))
}

func TestTransientSpeechErrorRestartsRecognition(t *testing.T) {
	ctx := Context{State: StateListening, MicOn: true}
	next, effects := Transition(ctx, Event{Type: EventError, Err: "no speech", Code: "no-speech"})
	assert.Equal(t, StateListening, next.State)
	assert.True(t, hasEffect(effects, EffectStartRecognition))
}

func TestCancelDuringProcessing(t *testing.T) {
	ctx := Context{State: StateProcessing, MicOn: true}
	next, _ := Transition(ctx, Event{Type: EventCancel})
	assert.Equal(t, StateListening, next.State)

	ctx = Context{State: StateProcessing, MicOn: false}
	next, _ = Transition(ctx, Event{Type: EventCancel})
	assert.Equal(t, StateIdle, next.State)
}
