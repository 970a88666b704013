// Package crypto implements the identity primitives used by the overlay.
//
// A node is named by its Ed25519 public key. Protocol payloads are not signed
// directly: callers hash a domain-tagged encoding with [Digest] (BLAKE2b-256) and
// sign the digest, so the signed message always has a fixed size.
//
// # Core Types
//
//   - [Signer]: signs payloads on behalf of the local node
//   - [Verifier]: checks a signature against a claimed identifier
//   - [KeyPair]: Ed25519 implementation of [Signer]
//   - [Ed25519Verifier]: Ed25519 implementation of [Verifier]
//
// # Key Management
//
// Key pairs are generated from crypto/rand or loaded from a hex-encoded seed
// file:
//
//	keys, err := crypto.LoadOrCreateKeyFile("node.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := keys.Sign(crypto.Digest("ping", payload))
//
// The package keeps no process-wide state; key file locations and other
// settings are passed in by the caller.
package crypto
