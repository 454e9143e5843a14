// Package dedupe drops chat events the relay has already dispatched.
//
// Chat networks redeliver events after reconnects and sync restarts. A
// Window remembers each event ID for a configurable TTL so a redelivered
// message never starts a second agent run.
package dedupe
