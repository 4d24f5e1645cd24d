package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 心跳 5 秒不续期即视为离线，下一次广播不再包含该成员
const PresenceTTL = 5 * time.Second

type PresenceMember struct {
	ActorID  uint64
	UserName string
}

// PresenceCache 在线状态的共享存储。只做广播性信息，
// 不参与冲突解决，也不计入版本号
type PresenceCache interface {
	Touch(ctx context.Context, docID string, actorID uint64, userName string) error
	Remove(ctx context.Context, docID string, actorID uint64) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID string, actorID uint64, jsonData []byte) error
	GetCursor(ctx context.Context, docID string, actorID uint64) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Touch 心跳续期。ZSET score 使用 expireAt（Unix 毫秒），表达逻辑 TTL
func (p *redisPresence) Touch(ctx context.Context, docID string, actorID uint64, userName string) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(PresenceTTL).UnixMilli()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: actorID})
	tx.HSet(ctx, namesKey(docID), actorID, userName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, docID string, actorID uint64) error {
	id := strconv.FormatUint(actorID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), id)
	tx.HDel(ctx, namesKey(docID), id)
	tx.Del(ctx, cursorKey(docID, actorID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, actorID uint64, jsonData []byte) error {
	return p.rdb.Set(ctx, cursorKey(docID, actorID), jsonData, PresenceTTL).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, actorID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, actorID)).Bytes()
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 惰性清理过期成员。约定 score=expireAt（Unix 毫秒），
	// expireAt <= now 视为过期
	now := time.Now().UnixMilli()
	luaScript := `
	-- KEYS[1] = roomKey(docID)
	-- KEYS[2] = namesKey(docID)
	-- ARGV[1] = now (unix milliseconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询仍在线的成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	ids, fields := parseMemberIDs(aliveIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	// step3: 批量取名字（fields 与 ids 一一对应）
	names, err := p.rdb.HMGet(ctx, namesKey(docID), fields...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return pairMembers(ids, names), nil
}

// parseMemberIDs 过滤 ZSET 里解析不了的成员（脏数据），
// 返回的 ids 与 fields 逐位对应，后续按 fields 取名不会错位
func parseMemberIDs(raw []string) (ids []uint64, fields []string) {
	for _, r := range raw {
		id, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		fields = append(fields, r)
	}
	return ids, fields
}

// pairMembers 按位置把名字配给成员；名字缺失或类型不对时留空
func pairMembers(ids []uint64, names []interface{}) []PresenceMember {
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) {
			if s, ok := names[i].(string); ok {
				name = s
			}
		}
		members = append(members, PresenceMember{ActorID: id, UserName: name})
	}
	return members
}
