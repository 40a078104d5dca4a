package internaldefs

import (
	"github.com/serplantas/authcore"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in MetricID order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricRegisterSuccess, Name: "authcore_register_success_total", Help: "Accounts created."},
	{ID: authcore.MetricRegisterFailure, Name: "authcore_register_failure_total", Help: "Rejected registrations."},
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Password-only logins that issued tokens."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Logins rejected for bad credentials."},
	{ID: authcore.MetricLoginLocked, Name: "authcore_login_locked_total", Help: "Attempts rejected because the account or address was locked."},
	{ID: authcore.MetricSecondFactorRequired, Name: "authcore_second_factor_required_total", Help: "Logins answered with a TOTP challenge."},
	{ID: authcore.MetricSecondFactorSuccess, Name: "authcore_second_factor_success_total", Help: "Challenges completed with a valid code."},
	{ID: authcore.MetricSecondFactorFailure, Name: "authcore_second_factor_failure_total", Help: "Rejected challenge completions."},
	{ID: authcore.MetricTOTPReplayRejected, Name: "authcore_totp_replay_rejected_total", Help: "TOTP codes rejected because their step was already used."},
	{ID: authcore.MetricTOTPEnrollmentStarted, Name: "authcore_totp_enrollment_started_total", Help: "TOTP enrollments started."},
	{ID: authcore.MetricTOTPEnabled, Name: "authcore_totp_enabled_total", Help: "TOTP enrollments confirmed."},
	{ID: authcore.MetricTOTPDisabled, Name: "authcore_totp_disabled_total", Help: "TOTP disable operations."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Refresh attempts with unknown or expired tokens."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Superseded refresh tokens presented."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Refresh families created."},
	{ID: authcore.MetricSessionsRevoked, Name: "authcore_sessions_revoked_total", Help: "Refresh families revoked."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logouts."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricPasswordChanged, Name: "authcore_password_changed_total", Help: "Password changes."},
	{ID: authcore.MetricSigningKeyRotated, Name: "authcore_signing_key_rotated_total", Help: "Access token signing key rotations."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricVerifyLatency, Name: "authcore_verify_latency_seconds", Help: "Access token verification latency."},
}

// HistogramBounds are the upper bounds in seconds of the engine's latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix names each bound for exporters that cannot use "." in names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a snapshot histogram to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into Prometheus "le" counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
