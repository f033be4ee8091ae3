// Package notify forwards orchestrator events to an MQTT broker so that
// other household systems (dashboards, Home Assistant automations) can
// react to suggestions and task updates.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes "online" to the retained availability topic; a will message
// flips it to "offline" on unexpected disconnects.
//
// Topics are laid out under the configured base:
//
//	<base>/availability
//	<base>/task/<id>/<kind>      events about one task
//	<base>/project/<id>/<kind>   events about one project
//	<base>/<source>/<kind>       events not tied to an entity
package notify
