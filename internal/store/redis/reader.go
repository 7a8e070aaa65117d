package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	goredis "github.com/go-redis/redis/v8"

	"marketfeed/internal/model"
)

// Recent reads back up to n bars from the update stream, oldest first.
// The stream holds every update of a forming bar; only the newest update
// per bar time is kept.
func (p *Publisher) Recent(ctx context.Context, n int) ([]model.Candle, error) {
	if n <= 0 {
		return []model.Candle{}, nil
	}
	// Each bar may have many updates; read a bounded window of them.
	msgs, err := p.client.XRevRangeN(ctx, p.keys.Stream, "+", "-", p.maxLen).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", p.keys.Stream, err)
	}
	return decodeStream(msgs, n), nil
}

// decodeStream turns newest-first stream entries into at most n distinct
// bars in time order.
func decodeStream(msgs []goredis.XMessage, n int) []model.Candle {
	seen := make(map[int64]bool, n)
	out := make([]model.Candle, 0, n)
	for _, msg := range msgs {
		if len(out) == n {
			break
		}
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var c model.Candle
		if err := sonic.UnmarshalString(data, &c); err != nil || seen[c.Time] {
			continue
		}
		seen[c.Time] = true
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Latest returns the last published bar. ok is false when nothing was
// published within the key's TTL.
func (p *Publisher) Latest(ctx context.Context) (c model.Candle, ok bool, err error) {
	s, err := p.client.Get(ctx, p.keys.Latest).Result()
	if errors.Is(err, goredis.Nil) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("get %s: %w", p.keys.Latest, err)
	}
	if err := sonic.UnmarshalString(s, &c); err != nil {
		return c, false, fmt.Errorf("decode %s: %w", p.keys.Latest, err)
	}
	return c, true, nil
}
