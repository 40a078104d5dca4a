package authcore

import "time"

// SecurityReport summarises the effective security posture of an Engine.
// It holds no key material and is safe to log or expose on an admin route.
type SecurityReport struct {
	SigningAlgorithm      string
	ActiveKeyIDs          []string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	RotationGrace         time.Duration
	Argon2                PasswordConfigReport
	TOTPDigits            int
	TOTPPeriod            time.Duration
	TOTPSkewSteps         uint
	LockoutThreshold      int
	LockoutWindow         time.Duration
	LockoutBaseDuration   time.Duration
	LockoutMaxDuration    time.Duration
	UnknownEmailThrottled bool
	IPThrottleActive      bool
	AuditEnabled          bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	var keyIDs []string
	if e.jwtManager != nil {
		keyIDs = e.jwtManager.KeyIDs()
	}

	return SecurityReport{
		SigningAlgorithm: e.config.JWT.SigningMethod,
		ActiveKeyIDs:     keyIDs,
		AccessTTL:        e.config.JWT.AccessTTL,
		RefreshTTL:       e.config.JWT.RefreshTTL,
		RotationGrace:    e.config.JWT.RotationGrace,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
			MinLength:   e.config.Password.MinLength,
		},
		TOTPDigits:            e.config.TOTP.Digits,
		TOTPPeriod:            time.Duration(e.config.TOTP.Period) * time.Second,
		TOTPSkewSteps:         e.config.TOTP.Skew,
		LockoutThreshold:      e.config.Lockout.Threshold,
		LockoutWindow:         e.config.Lockout.Window,
		LockoutBaseDuration:   e.config.Lockout.BaseDuration,
		LockoutMaxDuration:    e.config.Lockout.MaxDuration,
		UnknownEmailThrottled: e.config.Throttle.MaxAttempts > 0,
		IPThrottleActive:      e.config.Throttle.EnableIPThrottle,
		AuditEnabled:          e.config.Audit.Enabled,
	}
}
