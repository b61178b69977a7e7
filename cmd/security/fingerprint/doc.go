// Package fingerprint derives fixed-size digests used as in-memory and Redis keys.
//
// It is the single source of truth for how a send attempt is reduced to a dedup key:
// - BLAKE2b-256 over length-prefixed fields, so field boundaries cannot be forged
//   by moving bytes between content and ids.
// - Stable 64-char hex output, identical across processes and instances.
package fingerprint
