package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Lua scripts keep multi-key state transitions atomic across gateway
// instances.

// allowScript decides admission and handles the open -> half-open
// transition. The probe key guarantees only one trial request is in
// flight while half-open; it carries a TTL so a probe that is never
// resolved (instance crash between Allow and the outcome) expires
// instead of wedging the circuit cluster-wide.
// Keys: [state, next_probe_at, probe]
// Args: [probe_ttl_sec]
// Returns: "allowed" or "open"
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    return 'allowed'
end

local now = tonumber(redis.call('TIME')[1])

if state == 'open' then
    local nextProbe = tonumber(redis.call('GET', KEYS[2]) or '0')
    if now >= nextProbe then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '1', 'EX', ARGV[1])
        return 'allowed'
    end
    return 'open'
end

if redis.call('SET', KEYS[3], '1', 'NX', 'EX', ARGV[1]) then
    return 'allowed'
end
return 'open'
`)

// recordSuccessScript closes the circuit from half-open and resets
// counters.
// Keys: [state, failures, trips, probe]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'closed')
    redis.call('SET', KEYS[2], '0')
    redis.call('SET', KEYS[3], '0')
    redis.call('DEL', KEYS[4])
    return 'closed'
end

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
end
return state
`)

// recordFailureScript counts failures within the monitoring window and
// opens the circuit with an exponentially growing recovery timeout.
// Keys: [state, failures, trips, probe, last_failure, next_probe_at]
// Args: [failure_threshold, recovery_sec, max_recovery_sec, window_sec]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = tonumber(redis.call('TIME')[1])
local threshold = tonumber(ARGV[1])
local recovery = tonumber(ARGV[2])
local maxRecovery = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local function trip()
    local trips = redis.call('INCR', KEYS[3])
    local timeout = recovery
    for i = 2, trips do
        timeout = timeout * 2
        if timeout >= maxRecovery then
            timeout = maxRecovery
            break
        end
    end
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[6], now + timeout)
end

if state == 'closed' then
    local last = tonumber(redis.call('GET', KEYS[5]) or '0')
    if window > 0 and last > 0 and (now - last) > window then
        redis.call('SET', KEYS[2], '0')
    end
    local failures = redis.call('INCR', KEYS[2])
    if failures >= threshold then
        trip()
    end
elseif state == 'half-open' then
    redis.call('DEL', KEYS[4])
    trip()
end

redis.call('SET', KEYS[5], now)
return redis.call('GET', KEYS[1])
`)

// RedisBreaker shares circuit state across instances via Redis.
type RedisBreaker struct {
	client     *redis.Client
	providerID string
	cfg        Config
	keyPrefix  string
}

func NewRedis(redisURL string, providerID string, cfg Config) (*RedisBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBreaker{
		client:     client,
		providerID: providerID,
		cfg:        cfg,
		keyPrefix:  "aicore:cb:" + providerID + ":",
	}, nil
}

func (b *RedisBreaker) keys(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = b.keyPrefix + n
	}
	return out
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	probeTTL := int(b.cfg.RecoveryTimeout.Seconds())
	if probeTTL < 1 {
		probeTTL = 1
	}
	result, err := allowScript.Run(ctx, b.client,
		b.keys("state", "next_probe_at", "probe"),
		probeTTL,
	).Text()
	if err != nil {
		// Redis being down must not take every provider with it.
		return nil
	}
	if result != "allowed" {
		return domain.ErrCircuitOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	recordSuccessScript.Run(ctx, b.client,
		b.keys("state", "failures", "trips", "probe"),
	)
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	recordFailureScript.Run(ctx, b.client,
		b.keys("state", "failures", "trips", "probe", "last_failure", "next_probe_at"),
		b.cfg.FailureThreshold,
		int(b.cfg.RecoveryTimeout.Seconds()),
		int(b.cfg.MaxRecoveryTimeout.Seconds()),
		int(b.cfg.MonitoringWindow.Seconds()),
	)
}

func (b *RedisBreaker) State(ctx context.Context) State {
	val, err := b.client.Get(ctx, b.keyPrefix+"state").Result()
	if err != nil {
		return StateClosed
	}
	switch val {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Failures returns the current consecutive failure count.
func (b *RedisBreaker) Failures(ctx context.Context) int {
	val, err := b.client.Get(ctx, b.keyPrefix+"failures").Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(val)
	return n
}

func (b *RedisBreaker) Close() error {
	return b.client.Close()
}
