package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// KeyPrefix namespaces all keys. Defaults to "qps".
	KeyPrefix string
}

// RedisBroker keeps queue state in Redis: ready is a zset scored by
// (priority, seq), delayed a zset by due time, active a hash keyed by job id,
// failed a list. Scripts keep each transition atomic.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "qps"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &qerr.BrokerOperationError{Operation: "Connect", Err: err}
	}

	return &RedisBroker{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *RedisBroker) readyKey(queue string) string {
	return fmt.Sprintf("%s:ready:%s", r.prefix, queue)
}

func (r *RedisBroker) delayedKey(queue string) string {
	return fmt.Sprintf("%s:delayed:%s", r.prefix, queue)
}

func (r *RedisBroker) activeKey(queue string) string {
	return fmt.Sprintf("%s:active:%s", r.prefix, queue)
}

func (r *RedisBroker) failedKey(queue string) string {
	return fmt.Sprintf("%s:failed:%s", r.prefix, queue)
}

func (r *RedisBroker) pausedKey(queue string) string {
	return fmt.Sprintf("%s:paused:%s", r.prefix, queue)
}

func (r *RedisBroker) registryKey() string {
	return fmt.Sprintf("%s:queues", r.prefix)
}

func (r *RedisBroker) seqKey() string {
	return fmt.Sprintf("%s:seq", r.prefix)
}

// readyScore packs priority and enqueue sequence into one zset score so that
// ZPOPMIN yields (priority asc, seq asc). Sequences stay well below 2^40, and
// float64 holds 2^53 exactly, so the packing is lossless.
func readyScore(priority job.Priority, seq uint64) float64 {
	return float64(uint64(priority)<<40 | (seq & ((1 << 40) - 1)))
}

var enqueueCmd = redis.NewScript(`
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
	redis.call("SADD", KEYS[2], ARGV[3])
	return 1
`)

func (r *RedisBroker) Enqueue(ctx context.Context, queue string, env *job.Envelope, delay time.Duration) error {
	if env.Seq == 0 {
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return &qerr.BrokerOperationError{Operation: "Enqueue", Err: err}
		}
		env.Seq = uint64(seq)
	}

	key := r.readyKey(queue)
	score := readyScore(env.Priority, env.Seq)
	if delay > 0 {
		due := time.Now().Add(delay)
		env.DueAt = &due
		key = r.delayedKey(queue)
		score = float64(due.UnixMilli()) / 1e3
	} else {
		env.DueAt = nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return &qerr.BrokerOperationError{Operation: "Enqueue", Err: err}
	}

	_, err = enqueueCmd.Run(ctx, r.client, []string{key, r.registryKey()}, score, data, queue).Result()
	if err != nil {
		return &qerr.BrokerOperationError{Operation: "Enqueue", Err: err}
	}
	return nil
}

var claimCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[3]) == 1 then
		return {}
	end
	local popped = redis.call("ZPOPMIN", KEYS[1], ARGV[1])
	local jobs = {}
	for i = 1, #popped, 2 do
		local data = popped[i]
		local env = cjson.decode(data)
		redis.call("HSET", KEYS[2], env.id, data)
		jobs[#jobs + 1] = data
	end
	return jobs
`)

func (r *RedisBroker) Claim(ctx context.Context, queue string, n int) ([]*job.Envelope, error) {
	keys := []string{r.readyKey(queue), r.activeKey(queue), r.pausedKey(queue)}
	res, err := claimCmd.Run(ctx, r.client, keys, n).Result()
	if err != nil {
		return nil, &qerr.BrokerOperationError{Operation: "Claim", Err: err}
	}

	raw, ok := res.([]interface{})
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	envelopes := make([]*job.Envelope, 0, len(raw))
	for _, item := range raw {
		data, ok := item.(string)
		if !ok {
			continue
		}
		var env job.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}
		envelopes = append(envelopes, &env)
	}
	return envelopes, nil
}

func (r *RedisBroker) Ack(ctx context.Context, queue, id string) error {
	if err := r.client.HDel(ctx, r.activeKey(queue), id).Err(); err != nil {
		return &qerr.BrokerOperationError{Operation: "Ack", Err: err}
	}
	return nil
}

var failCmd = redis.NewScript(`
	local data = redis.call("HGET", KEYS[1], ARGV[1])
	if not data then
		return 0
	end
	redis.call("HDEL", KEYS[1], ARGV[1])
	if ARGV[2] ~= "" then
		redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
	else
		redis.call("RPUSH", KEYS[3], ARGV[3])
	end
	return 1
`)

func (r *RedisBroker) Fail(ctx context.Context, queue, id string, retryIn time.Duration) error {
	// Re-read the active copy to carry priority and seq forward, then write
	// the refreshed envelope into delayed or failed.
	data, err := r.client.HGet(ctx, r.activeKey(queue), id).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return &qerr.BrokerOperationError{Operation: "Fail", Err: err}
	}

	var env job.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return &qerr.BrokerOperationError{Operation: "Fail", Err: err}
	}

	score := ""
	if retryIn > 0 {
		due := time.Now().Add(retryIn)
		env.DueAt = &due
		score = fmt.Sprintf("%f", float64(due.UnixMilli())/1e3)
	} else {
		env.DueAt = nil
	}

	payload, err := json.Marshal(&env)
	if err != nil {
		return &qerr.BrokerOperationError{Operation: "Fail", Err: err}
	}

	keys := []string{r.activeKey(queue), r.delayedKey(queue), r.failedKey(queue)}
	_, err = failCmd.Run(ctx, r.client, keys, id, score, payload).Result()
	if err != nil {
		return &qerr.BrokerOperationError{Operation: "Fail", Err: err}
	}
	return nil
}

var promoteCmd = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	if #due == 0 then
		return due
	end
	redis.call("ZREM", KEYS[1], unpack(due))
	for _, data in ipairs(due) do
		local env = cjson.decode(data)
		local seq = env.seq % 1099511627776
		local score = env.priority * 1099511627776 + seq
		env.due_at = nil
		redis.call("ZADD", KEYS[2], score, cjson.encode(env))
	end
	return due
`)

func (r *RedisBroker) PromoteDue(ctx context.Context, queue string, now time.Time) ([]*job.Envelope, error) {
	keys := []string{r.delayedKey(queue), r.readyKey(queue)}
	nowScore := float64(now.UnixMilli()) / 1e3

	res, err := promoteCmd.Run(ctx, r.client, keys, nowScore, 100).Result()
	if err != nil {
		return nil, &qerr.BrokerOperationError{Operation: "PromoteDue", Err: err}
	}

	raw, ok := res.([]interface{})
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	promoted := make([]*job.Envelope, 0, len(raw))
	for _, item := range raw {
		data, ok := item.(string)
		if !ok {
			continue
		}
		var env job.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}
		env.DueAt = nil
		promoted = append(promoted, &env)
	}
	return promoted, nil
}

func (r *RedisBroker) Pause(ctx context.Context, queue string) error {
	if err := r.client.Set(ctx, r.pausedKey(queue), "1", 0).Err(); err != nil {
		return &qerr.BrokerOperationError{Operation: "Pause", Err: err}
	}
	return nil
}

func (r *RedisBroker) Resume(ctx context.Context, queue string) error {
	if err := r.client.Del(ctx, r.pausedKey(queue)).Err(); err != nil {
		return &qerr.BrokerOperationError{Operation: "Resume", Err: err}
	}
	return nil
}

func (r *RedisBroker) IsPaused(ctx context.Context, queue string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.pausedKey(queue)).Result()
	if err != nil {
		return false, &qerr.BrokerOperationError{Operation: "IsPaused", Err: err}
	}
	return exists > 0, nil
}

var retryFailedCmd = redis.NewScript(`
	local moved = 0
	while true do
		local data = redis.call("LPOP", KEYS[1])
		if not data then
			break
		end
		local env = cjson.decode(data)
		local seq = env.seq % 1099511627776
		local score = env.priority * 1099511627776 + seq
		redis.call("ZADD", KEYS[2], score, data)
		moved = moved + 1
	end
	return moved
`)

func (r *RedisBroker) RetryAllFailed(ctx context.Context, queue string) (int, error) {
	queues := []string{queue}
	if queue == "" {
		var err error
		queues, err = r.Queues(ctx)
		if err != nil {
			return 0, err
		}
	}

	total := 0
	for _, q := range queues {
		keys := []string{r.failedKey(q), r.readyKey(q)}
		res, err := retryFailedCmd.Run(ctx, r.client, keys).Result()
		if err != nil {
			return total, &qerr.BrokerOperationError{Operation: "RetryAllFailed", Err: err}
		}
		if n, ok := res.(int64); ok {
			total += int(n)
		}
	}
	return total, nil
}

func (r *RedisBroker) PushFailed(ctx context.Context, queue string, env *job.Envelope) error {
	if env.Seq == 0 {
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return &qerr.BrokerOperationError{Operation: "PushFailed", Err: err}
		}
		env.Seq = uint64(seq)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return &qerr.BrokerOperationError{Operation: "PushFailed", Err: err}
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, r.failedKey(queue), data)
	pipe.SAdd(ctx, r.registryKey(), queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return &qerr.BrokerOperationError{Operation: "PushFailed", Err: err}
	}
	return nil
}

func (r *RedisBroker) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	pipe := r.client.Pipeline()
	readyCmd := pipe.ZCard(ctx, r.readyKey(queue))
	activeCmd := pipe.HLen(ctx, r.activeKey(queue))
	delayedCmd := pipe.ZCard(ctx, r.delayedKey(queue))
	failedCmd := pipe.LLen(ctx, r.failedKey(queue))
	pausedCmd := pipe.Exists(ctx, r.pausedKey(queue))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &qerr.BrokerOperationError{Operation: "Stats", Err: err}
	}

	return &QueueStats{
		Waiting: int(readyCmd.Val()),
		Active:  int(activeCmd.Val()),
		Delayed: int(delayedCmd.Val()),
		Failed:  int(failedCmd.Val()),
		Paused:  pausedCmd.Val() > 0,
	}, nil
}

func (r *RedisBroker) Queues(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.registryKey()).Result()
	if err != nil {
		return nil, &qerr.BrokerOperationError{Operation: "Queues", Err: err}
	}
	return names, nil
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}
