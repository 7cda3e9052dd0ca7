// Package stream defines the evaluation event wire format and the transport
// contract used to receive it. Concrete transports live in httpstream and
// wsstream; streamtest provides an in-memory transport for tests.
package stream
