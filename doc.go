// Package stm contains the core APIs of the STM state-synchronization
// transport.
//
// STM carries opaque, user-defined state objects over an encrypted
// datagram channel using delta encoding, and survives packet loss,
// reordering, and peer roaming. A [Transport] pairs a sending side,
// which diffs the local state against the newest state the peer has
// acknowledged, with a receiving side, which applies the peer's diffs
// and converges on the peer's most recent state no matter how
// datagrams are lost or reordered.
//
// The companion package [github.com/stm-dev/stm/soverlay] provides the
// local-echo prediction engine that hides the round trip from the user
// while this transport does its work.
package stm
