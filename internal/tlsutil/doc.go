// Package tlsutil hardens the outbound HTTP clients the provider adapters
// dial with: TLS 1.2 minimum, AEAD cipher suites only, and connection
// pooling sized for many concurrent calls to one upstream host.
package tlsutil
