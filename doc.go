// Package realtime runs live, full-duplex voice conversations against a
// realtime AI backend.
//
// A Session owns one conversation at a time. Start resolves a tool preset,
// builds the backend adapter (the OpenAI Realtime WebSocket API or a
// token-authenticated framed binary stream), opens the audio pipeline and
// connects. Adapter events are applied in arrival order by a single loop that
// drives the agent state machine: Idle, Listening, Thinking, Speaking and
// Interrupted. Interrupt, or the user starting to speak while the assistant
// holds the floor, silences playback immediately and cancels the response in
// flight.
//
// Completed transcript turns and tool executions may be persisted through the
// TurnSink, SessionRecorder and toolbridge.ExecutionLog interfaces; the
// store/sqlite package implements all three.
package realtime
