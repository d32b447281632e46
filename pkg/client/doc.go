/*
Package client provides a Go client for the attrmesh HTTP API.

The client wraps the daemon's local API with typed methods for every
operation the CLI exposes. Mutating calls are asynchronous on the
server side: a nil error means the daemon accepted the request, not
that the value has reached the shared store.

# Usage

	c := client.New("127.0.0.1:7474")

	// Set an attribute with a 5 second dampening window
	err := c.Update(ctx, client.UpdateOptions{
		Name:   "pingd",
		Value:  client.String("100"),
		Dampen: "5s",
	})

	// Clear failures for one resource everywhere
	err = c.ClearFailure(ctx, client.ClearOptions{Resource: "web"})

	// Inspect the local table
	attrs, err := c.List(ctx)

# Error Handling

Transport errors come back as-is; HTTP error statuses are wrapped with
the response body, which carries the daemon's reason.
*/
package client
