// Package rpc is a JSON-RPC 2.0 client for the upstream node. It posts
// requests over HTTP, retries transient failures with jittered exponential
// backoff and maps protocol and transport failures onto typed errors.
//
// # Usage
//
//	c := rpc.New(rpc.Config{URL: "http://localhost:8545"})
//	var height struct{ Height uint64 }
//	raw, err := c.Call(ctx, "chain.height", nil)
//	if err == nil {
//	    err = json.Unmarshal(raw, &height)
//	}
package rpc
