// Package protocol defines the JustChat wire format: the message kinds
// exchanged between clients and the relay server and the length-prefixed
// framing used to carry them over a persistent stream connection.
//
// A frame is a 4-byte big-endian payload length followed by the payload.
// The payload is the message kind, a '|' separator and the JSON body:
//
//	00 00 00 1e  chat|{"text":"hello",...}
//
// Decoding is resumable: a Decoder accepts input in chunks of any size and
// yields messages as soon as complete frames are buffered.
package protocol
