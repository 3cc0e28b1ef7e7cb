// Package protocol implements the JSON message envelope exchanged with
// dashboard clients over WebSocket text frames.
//
// Every message is a single JSON object:
//
//	{"type": "<type>", "stream": "<topic>", "data": {...}}
//
// Clients send subscribe, unsubscribe, ping and pong commands. The gateway
// answers with welcome, subscribed, unsubscribed, pong and error envelopes,
// and pushes telemetry as envelopes whose type is the topic name:
//
//	{"type":"network_metrics","data":{"block_height":100,...}}
//
// # Usage
//
// Parsing a client command:
//
//	cmd, err := protocol.ParseCommand(payload)
//	if err != nil {
//	    // reply with protocol.ErrorMessage(err.Error())
//	}
//
// Building a topic update:
//
//	frame, err := protocol.TopicMessage("network_metrics", data)
package protocol
