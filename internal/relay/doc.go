// Package relay implements the room relay: a deliberately dumb
// publish/subscribe fan-out with presence tracking.
//
// The relay understands rooms, attached peers, and two inbound operations
// (publish and whisper). It performs no routing beyond room-wide fan-out:
// "direct" peer-to-peer delivery is implemented client-side by filtering on
// the envelope's targetPeerId field. Whispers skip server-side envelope
// validation entirely; they exist for high-frequency signaling traffic (ICE
// candidates) where per-message processing cost matters more than hygiene.
//
// Presence is tracked per room: a newly attached peer receives a sync frame
// with the current member list, everyone else receives enter/leave events.
// Presence is eventually consistent by design; a peer that just detached may
// still appear in a concurrent sync.
package relay
