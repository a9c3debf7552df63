// Package commands implements the command channel between the coordinator and
// rig agents.
//
// The channel is a durable per-device mailbox. The coordinator appends
// pending commands with [Channel.Enqueue] (or [Channel.EnqueueTx] inside a
// larger transaction); the agent polls them in FIFO order, marks each one
// processing with [Channel.Start] and reports a terminal result with
// [Channel.Complete]. There is no push and no way to cancel a command that is
// already processing.
//
// Completion is idempotent: once a command is completed or failed its stored
// result never changes. Hooks registered with [Channel.OnComplete] run in the
// same transaction as the first completion, which is how the session
// controller advances phases.
//
// [Channel.Sweep] applies the retention policy. Commands left pending or
// processing longer than the pending TTL are dead-lettered as failed, and
// finished commands older than the retention period are deleted.
//
// [Signaling] layers the WebRTC offer/answer handshake on the same mailbox:
// offers are webrtc_offer commands carrying a correlation id, and viewers
// poll [Signaling.AnswerStatus] by that id.
package commands
