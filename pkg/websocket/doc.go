// Package websocket provides a RFC 6455 WebSocket implementation built
// directly on net.Conn: frame encoding and decoding, the opening handshake
// for both roles, and connection lifecycle management.
//
// Decoding is incremental. A Decoder parses frames out of whatever bytes have
// arrived so far and reports ErrNeedMoreData for a partial frame, so a stream
// split at any byte boundary decodes identically. Violations surface as a
// *ProtocolError carrying the close code the peer should receive.
//
// A Conn moves through CONNECTING, OPEN, CLOSING and CLOSED. All writes go
// through a per-connection queue drained by one writer goroutine; broadcast
// frames queued with Publish are dropped oldest first when a slow peer falls
// behind, while replies and control frames are never dropped.
//
// # Usage
//
//	n := websocket.NewNegotiator()
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    conn, err := n.Upgrade(w, r, uuid.NewString())
//	    if err != nil {
//	        return
//	    }
//	    for {
//	        msg, err := conn.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        _ = conn.WriteText(msg.Payload)
//	    }
//	})
package websocket

/*
   WebSocket Frame Format (RFC 6455):

   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
  +-+-+-+-+-------+-+-------------+-------------------------------+
  |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
  |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
  |N|V|V|V|       |S|             |   (if payload len==126/127)   |
  | |1|2|3|       |K|             |                               |
  +-+-+-+-+-------+-+-------------+-------------------------------+
  |     Extended payload length continued, if payload len == 127  |
  +---------------------------------------------------------------+
  |                               | Masking-key, if MASK set to 1 |
  +-------------------------------+-------------------------------+
  | Masking-key (continued)       |          Payload Data         |
  +-------------------------------+-------------------------------+
  |                     Payload Data continued ...                |
  +---------------------------------------------------------------+
*/
