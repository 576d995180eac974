// Package ratelimit gates outbound provider calls. Buckets are keyed by a
// rendered template (normally "{provider}:{model}") and hold up to two
// admission cells: a token bucket and a sliding window. Both must admit
// before a call may proceed.
package ratelimit
