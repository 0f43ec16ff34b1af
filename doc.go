// Package kephasgate is a WebSocket gateway between real-time clients and a
// Kafka event bus.
//
// Clients connect over WebSocket, authenticate with a JWT and send JSON
// frames. Control frames (auth, ping, join_room, leave_room) are handled by
// the gateway; every other frame type is a domain command and is published to
// the Kafka topic selected by its prefix ("chat." → chat.commands, "games." →
// games.commands, anything else → system.events). Events consumed from the
// event topics are addressed back to local connections by connection id,
// user id or room, or broadcast to everyone.
//
// # Quick Start
//
//	manager := connmgr.New(logger)
//	cfg := ws.NewConfig(":9998", manager, validator, producer, consumer, logger)
//	gateway := ws.New(cfg)
//	if err := gateway.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer gateway.Stop(context.Background())
//
// The cmd/gateway binary wires the production stack from environment
// variables and an optional YAML file.
//
// # Frame Format
//
// Client frames:
//
//	{"type":"auth","token":"<jwt>"}
//	{"type":"join_room","room_id":"lobby"}
//	{"type":"chat.send_message","room_id":"lobby","correlation_id":"c-1","payload":{...}}
//
// Gateway frames carry a "type" of connected, auth_success, pong,
// room_joined, room_left, ack, event or error. Error frames carry a code
// (invalid_message, rate_limited, auth_required, auth_failed,
// publish_failed, invalid_room) and echo the correlation id when one was sent.
//
// Frames larger than the configured maximum (64 KiB by default) close the
// connection with code 1009.
//
// # Rate Limiting
//
// Each connection has one token bucket covering all frame types, refilled
// once per elapsed second (default 50 tokens/s, capacity 100). Frames over
// the limit are dropped and the client is told once per streak; the
// connection stays open.
//
// # Heartbeats and Back-pressure
//
// The gateway pings every 15s and closes connections silent for 45s. Each
// connection has a bounded outbound queue (256 frames by default); a client
// that lets it fill up is disconnected with code 1008.
//
// # Important
//
//   - Commands from one connection are published in arrival order; the
//     read loop waits for the broker ack before reading the next frame.
//   - Room membership is local to one gateway instance.
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package kephasgate
