package store

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ModelsLab/modelq-go/internal/keys"
)

// promoteOneScript atomically moves one due member from the delayed ZSET to
// the front of the main queue. Front-push minimizes latency for tasks that
// have already waited. Returns the moved member, or false if none was due.
var promoteOneScript = redis.NewScript(`
local dkey = KEYS[1]
local qkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', qkey, m)
  return m
end
return false
`)

// DelayedPromoteOne promotes a single due delayed task. It returns
// (nil, nil) when nothing is due; concurrent promoters on other instances
// are serialized by the ZREM inside the script.
func (s *Store) DelayedPromoteOne(ctx context.Context, now float64) ([]byte, error) {
	res, err := promoteOneScript.Run(ctx, s.rdb,
		[]string{keys.Delayed, keys.Queue},
		strconv.FormatFloat(now, 'f', -1, 64),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("delayed_promote_one", err)
	}
	switch v := res.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, nil
}
