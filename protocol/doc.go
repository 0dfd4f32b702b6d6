// Package protocol implements the Redis Serialization Protocol (RESP2).
//
// Decode and Encode work on in-memory buffers and never perform I/O:
//
//	v, n, err := protocol.Decode(buf)
//	switch {
//	case errors.Is(err, protocol.ErrNeedMoreData):
//		// read more bytes and retry
//	case err != nil:
//		// *protocol.ProtocolError, close the stream
//	default:
//		buf = buf[n:]
//	}
//
// Reader and Writer wrap them for buffered streams. Reader.ReadFrame also
// returns the raw bytes of each frame, which replication uses to forward
// write commands verbatim and to count offsets.
//
// Supported types:
//   - Simple Strings
//   - Errors
//   - Integers
//   - Bulk Strings (including the null bulk string)
//   - Arrays (including the null array)
package protocol
