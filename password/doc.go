// Package password hashes and verifies account passwords with Argon2id and
// checks candidate passwords against a strength policy.
//
// Hashes use the PHC string format with a random per-call salt:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.Verify] reports a plain bool. A malformed stored hash is a failed
// verification that still costs one full key derivation, so callers cannot
// tell a corrupt record from a wrong password by error kind or timing.
package password
