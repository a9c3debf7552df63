// Package webrtc answers viewer WebRTC offers on the rig.
//
// Offers arrive as webrtc_offer commands. The [Answerer] creates a pion
// PeerConnection with STUN-only ICE servers, waits (bounded) for candidate
// gathering to finish, and returns the complete answer SDP as the command
// result. Trickled viewer candidates arrive as webrtc_ice commands and are
// added to the peer with the matching correlation id. Media capture is not
// part of this package; it only handles the handshake.
package webrtc
