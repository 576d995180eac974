// Package engine implements the two reasoning loops. DeepThink drives a
// single worker through generate, verify, and correct states until enough
// verifications pass or the iteration budget runs out. UltraThink plans,
// fans out N DeepThink workers under a concurrency cap, and synthesises
// their solutions into one answer. Every provider call is rate-limited,
// metered, and stage-routed to a configurable model.
package engine
