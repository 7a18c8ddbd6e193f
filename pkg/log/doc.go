/*
Package log provides wardend's structured logging on top of zerolog: a
global logger configured once at startup, plus context-logger helpers
used to tag every line in the enrollment pipeline with the component,
connection, peer address, and agent id it concerns.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // false for the human-readable console writer
		Output:     os.Stdout,
	})

# Context loggers

	acceptorLog := log.WithComponent("acceptor")
	connLog := acceptorLog.With().Str("conn_id", connID).Logger()
	connLog.Info().Str("peer_ip", peerIP).Msg("accepted connection")

WithComponent, WithAgentID, WithPeerIP, and WithConnID each derive a
child logger from the global Logger with one additional field; combine
them with zerolog's own .With() when a log line needs more than one.

# Conventions

Never log the PASS token or an agent's raw key. Log the reason string
on a rejected enrollment, not the full request line, since the request
line may carry the password in cleartext over the wire before TLS
negotiation fails.
*/
package log
