// Package folding compresses long conversation histories into three layers:
// hot turns stay verbatim, warm turns are consolidated, cold turns are
// distilled or summarised by a cheap model. The compressed prefix stays
// stable across turns, which is what makes provider-side prompt caching pay
// off.
package folding
