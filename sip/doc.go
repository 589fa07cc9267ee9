// Package sip implements the transaction and transport dispatch engine of a SIP stack
// as defined in RFC 3261 Sections 17 and 18.
//
// The [Endpoint] receives raw messages from transports, matches them against the
// [TransactionTable], drives client and server transactions through their state machines
// with timers from the [timer.Engine], and offers new requests to registered modules
// (see [ModuleRegistry]). Applications send requests with [Endpoint.SendRequest]
// and observe the returned [ClientTransaction].
//
// Messages are decoded and encoded with a [Codec]; [TextCodec] is the default one.
// Transports implement the small [Transport] contract; [UDPTransport] and [TCPTransport]
// are the bundled implementations.
package sip

//go:generate go tool errtrace -w .
//go:generate go tool mockgen -package mocks -destination ../internal/mocks/mock_sip.go . Transport,Module,DNSResolver
