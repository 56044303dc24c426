package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/observability"
)

const verifierKeyPrefix = "verifier:"

// VerifyStatus is the result class of a verification attempt.
type VerifyStatus string

const (
	VerifyMatched   VerifyStatus = "matched"
	VerifyMismatch  VerifyStatus = "mismatch"
	VerifyExhausted VerifyStatus = "exhausted"
	VerifyNotFound  VerifyStatus = "not_found"
)

// VerifyOutcome reports a verification result. Remaining is the tries left
// before the match for VerifyMatched and after the decrement for VerifyMismatch.
type VerifyOutcome struct {
	Status    VerifyStatus `json:"status"`
	Remaining int          `json:"remaining"`
}

// verifyScript checks and mutates the secret in one step. Return codes:
// -1 missing, 1 matched, 2 exhausted, 0 mismatch.
var verifyScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'h')
if not stored then
  return {-1, 0}
end
local tries = tonumber(redis.call('HGET', KEYS[1], 't') or '0')
if stored == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return {1, tries}
end
if tries <= 1 then
  redis.call('DEL', KEYS[1])
  return {2, 0}
end
local left = redis.call('HINCRBY', KEYS[1], 't', -1)
return {0, left}
`)

// SecretVerifier issues one-time secrets and verifies guesses against them with
// a bounded number of tries.
type SecretVerifier interface {
	// Issue stores secret under key with maxTries guesses for ttl. Zero values
	// fall back to the verifier defaults.
	Issue(ctx context.Context, key, secret string, maxTries int, ttl time.Duration) error
	Verify(ctx context.Context, key, provided string) (VerifyOutcome, error)
}

type secretVerifier struct {
	client       redis.Cmdable
	hmacKey      []byte
	defaultTries int
	defaultTTL   time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// NewSecretVerifier constructs a verifier storing HMAC digests of secrets in Redis.
func NewSecretVerifier(client redis.Cmdable, hmacKey []byte, defaultTries int, defaultTTL time.Duration, logger zerolog.Logger) SecretVerifier {
	if defaultTries <= 0 {
		defaultTries = 3
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &secretVerifier{
		client:       client,
		hmacKey:      hmacKey,
		defaultTries: defaultTries,
		defaultTTL:   defaultTTL,
		logger:       logger.With().Str("component", "secret_verifier").Logger(),
		tracer:       otel.Tracer("github.com/symphire/counterpoint/internal/service/verifier"),
	}
}

func (v *secretVerifier) digest(secret string) string {
	mac := hmac.New(sha256.New, v.hmacKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *secretVerifier) Issue(ctx context.Context, key, secret string, maxTries int, ttl time.Duration) error {
	ctx, span := v.tracer.Start(ctx, "verifier.issue")
	defer span.End()

	if key == "" || secret == "" {
		return apperror.Invalid("key and secret are required")
	}
	if maxTries <= 0 {
		maxTries = v.defaultTries
	}
	if ttl <= 0 {
		ttl = v.defaultTTL
	}

	redisKey := verifierKeyPrefix + key
	_, err := v.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey, "h", v.digest(secret), "t", maxTries)
		pipe.PExpire(ctx, redisKey, ttl)
		return nil
	})
	if err != nil {
		return apperror.Wrap(apperror.KindTransient, "failed to store secret", err)
	}
	return nil
}

func (v *secretVerifier) Verify(ctx context.Context, key, provided string) (VerifyOutcome, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.verify")
	defer span.End()

	if key == "" {
		return VerifyOutcome{}, apperror.Invalid("key is required")
	}

	values, err := verifyScript.Run(ctx, v.client, []string{verifierKeyPrefix + key}, v.digest(provided)).Int64Slice()
	if err != nil {
		return VerifyOutcome{}, apperror.Wrap(apperror.KindTransient, "failed to run verification", err)
	}
	if len(values) != 2 {
		return VerifyOutcome{}, apperror.Internal(fmt.Sprintf("unexpected verification reply of length %d", len(values)))
	}

	var outcome VerifyOutcome
	switch values[0] {
	case -1:
		outcome = VerifyOutcome{Status: VerifyNotFound}
	case 1:
		outcome = VerifyOutcome{Status: VerifyMatched, Remaining: int(values[1])}
	case 2:
		outcome = VerifyOutcome{Status: VerifyExhausted}
	case 0:
		outcome = VerifyOutcome{Status: VerifyMismatch, Remaining: int(values[1])}
	default:
		return VerifyOutcome{}, apperror.Internal(fmt.Sprintf("unexpected verification code %d", values[0]))
	}

	observability.VerifierOutcomes().WithLabelValues(string(outcome.Status)).Inc()
	if outcome.Status == VerifyExhausted {
		v.logger.Warn().Str("key", key).Msg("secret exhausted its tries")
	}
	return outcome, nil
}
