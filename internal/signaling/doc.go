// Package signaling negotiates WebRTC connections between room peers over
// the broadcast channel. Offers, answers and hangups travel as targeted
// broadcast envelopes; ICE candidates travel as whispers. Each remote peer
// gets an isolated state machine, so one failed negotiation never disturbs
// the others.
package signaling
