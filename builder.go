package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serplantas/authcore/internal/audit"
	"github.com/serplantas/authcore/internal/limiters"
	"github.com/serplantas/authcore/internal/rate"
	"github.com/serplantas/authcore/internal/secretbox"
	"github.com/serplantas/authcore/internal/stores"
	"github.com/serplantas/authcore/jwt"
	"github.com/serplantas/authcore/password"
	"github.com/serplantas/authcore/session"
	"github.com/serplantas/authcore/store"
	"github.com/serplantas/authcore/totp"
	"go.uber.org/zap"
)

// Builder assembles an Engine. Each Builder builds at most once.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	store     store.Store
	logger    *zap.Logger
	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for refresh families, login challenges and
// the unknown-identifier throttle. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the credential store. Required.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces time.Now for every time-dependent decision: TOTP steps,
// lock expiry, token timestamps and challenge expiry.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("credential store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	policy := password.DefaultPolicy()
	policy.MinLength = cfg.Password.MinLength
	policy.MaxLength = cfg.Password.MaxLength

	totpCfg := totp.DefaultConfig()
	totpCfg.Issuer = cfg.TOTP.Issuer
	totpCfg.Digits = cfg.TOTP.Digits
	totpCfg.Period = cfg.TOTP.Period
	totpCfg.Skew = cfg.TOTP.Skew
	totpEngine, err := totp.New(totpCfg)
	if err != nil {
		return nil, err
	}

	box, err := secretbox.New(cfg.TOTP.EncryptionKey)
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		Key: jwt.Key{
			ID:      cfg.JWT.KeyID,
			Private: cloneBytes(cfg.JWT.PrivateKey),
			Public:  cloneBytes(cfg.JWT.PublicKey),
		},
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		RotationGrace: cfg.JWT.RotationGrace,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:     cloneConfig(cfg),
		store:      b.store,
		hasher:     hasher,
		policy:     policy,
		totp:       totpEngine,
		secrets:    box,
		jwtManager: jm,
		families:   session.NewStore(b.redis, session.DefaultFamilyPrefix, session.DefaultUserPrefix).WithClock(now),
		challenges: stores.NewChallengeStore(b.redis, "alc").WithClock(now),
		attempts:   limiters.NewAttemptLimiter(b.store, cfg.Lockout.policy(), now),
		throttle: rate.New(b.redis, rate.Config{
			MaxAttempts:      cfg.Throttle.MaxAttempts,
			Window:           cfg.Throttle.Window,
			LockDuration:     cfg.Lockout.BaseDuration,
			MaxLockDuration:  cfg.Lockout.MaxDuration,
			EnableIPThrottle: cfg.Throttle.EnableIPThrottle,
			IPMaxAttempts:    cfg.Throttle.IPMaxAttempts,
		}),
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
		metrics: NewMetrics(cfg.Metrics),
		logger:  logger.Named("authcore"),
		now:     now,
	}

	b.built = true
	return engine, nil
}
