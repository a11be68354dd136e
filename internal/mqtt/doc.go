// Package mqtt relays loop events to an MQTT broker so an operator can
// watch engagements from outside the process.
//
// The relay uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Every event is published to
// an events topic; engagement status is additionally kept as a
// retained message per engagement so a monitor that connects late sees
// the current phase, status and totals. A will message moves the
// availability topic to "offline" on unexpected disconnects.
package mqtt
