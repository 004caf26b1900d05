package redis

import (
	"context"
	"errors"

	rd "github.com/go-redis/redis/v9"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/util"
	"go.uber.org/zap"
)

const SUSPENSION_KEY string = "SUSP"
const SUSPENSION_WAITING_KEY string = "SUSP:WAITING"
const SUSPENSION_FLOW_KEY string = "SUSP:FLOW"

// transitionScript replaces a suspension record only while its stored
// status still matches the caller's view of it. This is the per token
// single writer guarantee: of two concurrent resumes exactly one wins.
var transitionScript = rd.NewScript(`
local data = redis.call('HGET', KEYS[1], ARGV[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if rec['status'] ~= ARGV[2] then
  return 'CONFLICT'
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
if ARGV[4] ~= 'WAITING' then
  redis.call('SREM', KEYS[2], ARGV[1])
end
return 'OK'
`)

var _ persistence.SuspensionRepository = new(redisSuspensionDao)

type redisSuspensionDao struct {
	baseDao
	codec util.EncoderDecoder[model.SuspendedConversation]
}

func NewRedisSuspensionDao(baseDao *baseDao) *redisSuspensionDao {
	return &redisSuspensionDao{
		baseDao: *baseDao,
		codec:   util.NewJsonEncoderDecoder[model.SuspendedConversation](),
	}
}

func (rdao *redisSuspensionDao) Save(conversation model.SuspendedConversation) error {
	key := rdao.getNamespaceKey(SUSPENSION_KEY)
	waitingKey := rdao.getNamespaceKey(SUSPENSION_WAITING_KEY)
	flowKey := rdao.getNamespaceKey(SUSPENSION_FLOW_KEY, conversation.WorkflowId)
	ctx := context.Background()
	data, err := rdao.codec.Encode(conversation)
	if err != nil {
		return err
	}
	pipe := rdao.redisClient.TxPipeline()
	pipe.HSet(ctx, key, []string{conversation.ResumeToken, string(data)})
	pipe.SAdd(ctx, flowKey, conversation.ResumeToken)
	if conversation.Status == model.SUSPENSION_WAITING {
		pipe.SAdd(ctx, waitingKey, conversation.ResumeToken)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error saving suspended conversation", zap.String("conversation", conversation.ConversationId), zap.Error(err))
		return persistence.StorageLayerError{Cause: err}
	}
	return nil
}

func (rdao *redisSuspensionDao) GetByToken(token string) (*model.SuspendedConversation, error) {
	key := rdao.getNamespaceKey(SUSPENSION_KEY)
	ctx := context.Background()
	data, err := rdao.redisClient.HGet(ctx, key, token).Result()
	if err != nil {
		if err == rd.Nil {
			return nil, persistence.NotFoundError{Key: token}
		}
		return nil, persistence.StorageLayerError{Cause: err}
	}
	return rdao.codec.Decode([]byte(data))
}

func (rdao *redisSuspensionDao) Transition(old model.SuspendedConversation, next model.SuspendedConversation) error {
	key := rdao.getNamespaceKey(SUSPENSION_KEY)
	waitingKey := rdao.getNamespaceKey(SUSPENSION_WAITING_KEY)
	ctx := context.Background()
	data, err := rdao.codec.Encode(next)
	if err != nil {
		return err
	}
	res, err := transitionScript.Run(ctx, rdao.redisClient,
		[]string{key, waitingKey},
		old.ResumeToken, string(old.Status), string(data), string(next.Status)).Result()
	if err != nil {
		return persistence.StorageLayerError{Cause: err}
	}
	switch res {
	case "NOT_FOUND":
		return persistence.NotFoundError{Key: old.ResumeToken}
	case "CONFLICT":
		return persistence.InvalidTokenError{Token: old.ResumeToken}
	}
	return nil
}

func (rdao *redisSuspensionDao) ListWaiting() ([]model.SuspendedConversation, error) {
	waitingKey := rdao.getNamespaceKey(SUSPENSION_WAITING_KEY)
	ctx := context.Background()
	tokens, err := rdao.redisClient.SMembers(ctx, waitingKey).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Cause: err}
	}
	return rdao.collect(tokens)
}

func (rdao *redisSuspensionDao) ListByFlow(flowId string) ([]model.SuspendedConversation, error) {
	flowKey := rdao.getNamespaceKey(SUSPENSION_FLOW_KEY, flowId)
	ctx := context.Background()
	tokens, err := rdao.redisClient.SMembers(ctx, flowKey).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Cause: err}
	}
	return rdao.collect(tokens)
}

func (rdao *redisSuspensionDao) collect(tokens []string) ([]model.SuspendedConversation, error) {
	conversations := make([]model.SuspendedConversation, 0, len(tokens))
	for _, token := range tokens {
		conversation, err := rdao.GetByToken(token)
		if err != nil {
			var notFound persistence.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		conversations = append(conversations, *conversation)
	}
	return conversations, nil
}
