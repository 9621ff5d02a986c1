// Package client talks to an rpcbridge endpoint over HTTP or HTTPS.
//
// A Client posts JSON-RPC bodies to the bridge route and reads the status
// document. The bridge answers every well-formed POST with HTTP 200: either
// the consumer's response verbatim, or a JSON-RPC error envelope when the
// consumer was unavailable, timed out or the bridge is shutting down. Call
// therefore returns a Response for both cases and leaves the interpretation
// of the envelope to the caller; Response.RPCError decodes the error member
// when present.
//
//	cli, err := client.New("http://127.0.0.1:8081", client.WithBearer(key))
//	if err != nil {
//	    return err
//	}
//	if _, err := cli.WaitAvailable(ctx, 250*time.Millisecond); err != nil {
//	    return err
//	}
//	resp, err := cli.Call(ctx, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
//
// Non-200 replies (401, 405, 400) surface as *APIError.
package client
