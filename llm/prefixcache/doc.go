// Package prefixcache fingerprints request prefixes and caches what they
// produced: response content, provider response ids for prefix chaining, and
// folded-history artefacts. Stores are pluggable: in-process memory, redis,
// or a two-tier combination with local backfill.
package prefixcache
