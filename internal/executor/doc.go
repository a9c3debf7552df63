// Package executor runs on the rig and consumes the device's command mailbox.
//
// Each poll delivers pending commands in FIFO order. For every command the
// executor:
//
//   - completes control commands created before the controlled application
//     last became reachable with a no-op result, without starting them
//   - marks the command processing, skipping it if another poller got there first
//   - reports success without acting when the sensed state already satisfies
//     the action
//   - otherwise holds the relevant input until the sensed state changes,
//     bounded by [HoldOptions.Ceiling]
//
// Any error or panic is reported as a failed result, so a started command
// always reaches a terminal status. Outcomes are remembered by command id and
// re-reported on redelivery instead of re-running the action.
package executor
