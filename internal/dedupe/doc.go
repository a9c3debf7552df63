// Package dedupe provides a TTL cache keyed by command id. The rig agent
// records each command's outcome here so that a command redelivered by a
// later poll is reported again instead of being executed twice.
package dedupe
