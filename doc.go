// Package authcore is a password and TOTP authentication engine that issues
// signed access tokens and rotating opaque refresh tokens.
//
// The engine is stateless between calls. Users live behind [store.Store]
// (Postgres or in-memory). Refresh families, login challenges and the
// unknown-email throttle live in Redis. Any number of Engines may therefore
// serve the same users, and every Engine method is safe for concurrent use
// once [Builder.Build] has returned.
//
// # Flows
//
//   - Register creates an account after the password policy check.
//   - Login verifies the password. Without 2FA it returns tokens with
//     amr=["password"]; with 2FA it returns a short-lived challenge.
//   - VerifySecondFactor consumes the challenge with a TOTP code and returns
//     tokens with amr=["password","totp"].
//   - BeginEnableTOTP, ConfirmEnableTOTP, CancelTOTPEnrollment and DisableTOTP
//     drive the second-factor state machine.
//   - Refresh rotates a refresh token. Replaying a superseded token revokes
//     the whole family and returns [ErrTokenReused].
//   - VerifyBearer checks an access token without any I/O.
//
// # What this package must NOT do
//
//   - Return different errors for unknown emails and wrong passwords.
//   - Store a TOTP secret in the clear or accept the same TOTP step twice.
//   - Swallow credential store or Redis failures. Those surface as
//     [ErrStoreUnavailable] and are safe to retry.
package authcore
