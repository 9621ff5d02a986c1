// Package rpcbridge exposes a JSON-RPC endpoint over HTTP(S) whose requests
// are answered by a consumer that polls for them, one at a time. The bridge
// never interprets JSON-RPC semantics beyond pulling the request id out of a
// body for its own error replies; request and response bodies travel verbatim.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a bridge
//
// A Server owns one handoff slot and one listener. Start binds the listener
// and returns; Stop releases it and answers every in-flight request with a
// shutting-down error; Unload does the same without waiting for the listener
// to be joined. A stopped Server can be started again on the same port.
//
//	srv, err := rpcbridge.NewServer(rpcbridge.Config{Listen: "127.0.0.1:8081"})
//	if err != nil { log.Fatal(err) }
//	if err := srv.Start(); err != nil { log.Fatal(err) }
//	defer srv.Close(context.Background())
//
// # Consumer side
//
// The consumer drives the bridge through the poll adapter: SetAvailability
// claims or withdraws readiness, TakePending hands out the dispatched request
// and PutResponse answers it. None of these block. A consumer that cannot
// answer a request it already took should withdraw availability; the waiting
// HTTP client then receives an "interrupted" error instead of a timeout.
//
//	srv.SetAvailability(true)
//	for range time.Tick(10 * time.Millisecond) {
//	    body, ok := srv.TakePending()
//	    if !ok { continue }
//	    if err := srv.PutResponse(handle(body)); err != nil { log.Print(err) }
//	}
//
// The consumer package wraps this loop with handler timeouts, panic recovery
// and availability bookkeeping.
//
// # Replies
//
// Every admitted POST gets exactly one reply. Request failures are JSON-RPC
// error envelopes delivered with HTTP 200 and the request id when one could be
// recovered; only malformed transport input (empty or oversized bodies, wrong
// method, missing bearer) produces a 4xx status.
//
// # Embedding and helpers
//
// StartServer creates and starts a server and returns a stop function that
// also runs when its context is cancelled. StartTestServer does the same on a
// loopback port for tests and hands back a ready client.
package rpcbridge
