// Package natsclient manages the NATS connection used to reach the remote
// entity service and the JetStream object store.
//
// A Client wraps one nats.Conn with a circuit breaker: after a threshold of
// consecutive transport failures (default 5) calls fail fast with
// ErrCircuitOpen, and the circuit is tested again after an exponential
// backoff capped by WithMaxBackoff. Replies from the server never count as
// failures; only timeouts, missing responders and connection errors do.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithTimeout(10*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "entities.query", payload)
//
// Request is bounded by its context, or by the client timeout when the
// context has no deadline. Handle registers the replying side of a subject
// and is what test servers use.
//
// ObjectStore returns a JetStream object store bucket, creating it on first
// use.
//
// For tests, NewTestClient starts a NATS server in a container with
// testcontainers-go and returns a connected client.
package natsclient
