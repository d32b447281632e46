/*
Package transport delivers attribute requests between cluster members.

The production implementation rides on hashicorp/memberlist: gossip
maintains the peer list and failure detection, while attribute requests
travel as JSON messages over memberlist's reliable TCP channel. Broadcasts
do not loop back to the sender; the engine applies its own changes locally
before broadcasting them.
*/
package transport
