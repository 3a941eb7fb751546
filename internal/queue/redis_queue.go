package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates the ready and delayed sorted sets of one queue in Redis.
type RedisQueue struct {
	client     redis.UniversalClient
	ownsClient bool
	readyKey   string
	delayedKey string
	batchSize  int64
}

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Name namespaces the keys, e.g. "jobqueue:<name>:ready".
	Name string
	// PromoteBatch caps how many delayed ids one PopDueBefore call returns.
	PromoteBatch int64
}

// NewRedisQueue dials Redis and builds the index for one named queue.
func NewRedisQueue(opts RedisOptions) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	q := NewRedisQueueWithClient(client, opts.Name, opts.PromoteBatch)
	q.ownsClient = true
	return q
}

// NewRedisQueueWithClient shares an existing client; Close leaves it open.
func NewRedisQueueWithClient(client redis.UniversalClient, name string, batch int64) *RedisQueue {
	if name == "" {
		name = "default"
	}
	if batch <= 0 {
		batch = 1000
	}
	return &RedisQueue{
		client:     client,
		readyKey:   fmt.Sprintf("jobqueue:%s:ready", name),
		delayedKey: fmt.Sprintf("jobqueue:%s:delayed", name),
		batchSize:  batch,
	}
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// PushReady inserts jobID into the ready set scored by priority. The id is
// removed from the delayed set in the same transaction.
func (q *RedisQueue) PushReady(ctx context.Context, jobID string, priority int) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.delayedKey, jobID)
	pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(priority), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PopReady pops the lowest-score member. ZPOPMIN is atomic, so concurrent
// workers never receive the same id.
func (q *RedisQueue) PopReady(ctx context.Context) (string, int, error) {
	res, err := q.client.ZPopMin(ctx, q.readyKey, 1).Result()
	if err != nil {
		return "", 0, err
	}
	if len(res) == 0 {
		return "", 0, nil
	}
	jobID, ok := res[0].Member.(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected member type in ready set: %T", res[0].Member)
	}
	return jobID, int(res[0].Score), nil
}

// ReadyLen returns the ready set cardinality.
func (q *RedisQueue) ReadyLen(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey).Result()
}

// PushDelayed schedules jobID for eligibleAt, removing it from the ready set.
func (q *RedisQueue) PushDelayed(ctx context.Context, jobID string, eligibleAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, jobID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(eligibleAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PopDueBefore atomically reads and removes due ids from the delayed set.
func (q *RedisQueue) PopDueBefore(ctx context.Context, now time.Time) ([]string, error) {
	res, err := popDueScript.Run(ctx, q.client, []string{q.delayedKey},
		strconv.FormatInt(now.UnixMilli(), 10), q.batchSize).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DelayedLen returns the delayed set cardinality.
func (q *RedisQueue) DelayedLen(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey).Result()
}

// Remove drops jobID from both sets.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, jobID)
	pipe.ZRem(ctx, q.delayedKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the client when this queue created it.
func (q *RedisQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

var popDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)
