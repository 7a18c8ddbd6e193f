/*
Package events provides an in-memory broadcast bus that decouples the
enrollment pipeline from anything that wants to observe it — metrics,
the local control listener's status command, or a future audit sink —
without the dispatcher or writer hard-depending on any of them.

Broker.Publish never blocks the caller beyond handing the event to a
buffered channel; Broadcast similarly never blocks on a slow or absent
subscriber, dropping the event to that subscriber's buffer instead.
This is deliberate: an enrollment decision must never stall waiting
for an observer to keep up.
*/
package events
