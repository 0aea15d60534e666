// Package obfuscation turns a composite digest into its externally visible
// text form through a fixed, keyed sequence of byte substitution, positional
// permutation and rolling XOR layers followed by one text encoding.
//
// Every byte layer is invertible given the key, so Deobfuscate recovers the
// composite. Layer order is configuration, never a per-call choice.
package obfuscation
