package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func unreachable() *Client {
	return Wrap(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	}))
}

func TestFlushByPatternUnreachable(t *testing.T) {
	c := unreachable()
	defer c.Close()
	n, err := c.FlushByPattern(context.Background(), "search:shard:0:*")
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestPingUnreachable(t *testing.T) {
	c := unreachable()
	defer c.Close()
	assert.Error(t, c.Ping(context.Background()))
}
