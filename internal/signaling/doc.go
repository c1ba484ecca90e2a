// Package signaling implements the call signaling wire schema, the relay
// server that forwards named events between participants, and the relay
// client used by call endpoints.
//
// The relay has no call-state knowledge: it authenticates a participant id,
// stamps it as `from` on everything that participant sends and hands the
// message to the Broker for each `to` recipient.
package signaling
