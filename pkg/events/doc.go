/*
Package events provides a lightweight in-process broker for
control-plane events.

Components publish typed events (registrations, rotations, revocations,
blocks, feed passes); subscribers receive them on buffered channels.
Broadcast is non-blocking: a subscriber that falls behind misses events
rather than stalling the publisher.
*/
package events
