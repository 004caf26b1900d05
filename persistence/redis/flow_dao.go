package redis

import (
	"context"

	rd "github.com/go-redis/redis/v9"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/util"
	"go.uber.org/zap"
)

const DEFINITION_KEY string = "DEF"

var _ persistence.FlowRepository = new(redisFlowDao)

type redisFlowDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.FlowDefinition]
}

func NewRedisFlowDao(baseDao *baseDao) *redisFlowDao {
	return &redisFlowDao{
		baseDao:        *baseDao,
		encoderDecoder: util.NewJsonEncoderDecoder[model.FlowDefinition](),
	}
}

func (rf *redisFlowDao) Save(def *model.FlowDefinition) error {
	key := rf.getNamespaceKey(DEFINITION_KEY)
	ctx := context.Background()
	data, err := rf.encoderDecoder.Encode(*def)
	if err != nil {
		return err
	}
	if err := rf.redisClient.HSet(ctx, key, []string{def.Id, string(data)}).Err(); err != nil {
		logger.Error("error saving flow definition", zap.String("flow", def.Id), zap.Error(err))
		return persistence.StorageLayerError{Cause: err}
	}
	return nil
}

func (rf *redisFlowDao) FindById(id string) (*model.FlowDefinition, error) {
	key := rf.getNamespaceKey(DEFINITION_KEY)
	ctx := context.Background()
	defStr, err := rf.redisClient.HGet(ctx, key, id).Result()
	if err != nil {
		if err == rd.Nil {
			return nil, persistence.NotFoundError{Key: id}
		}
		logger.Error("error fetching flow definition", zap.String("flow", id), zap.Error(err))
		return nil, persistence.StorageLayerError{Cause: err}
	}
	return rf.encoderDecoder.Decode([]byte(defStr))
}

func (rf *redisFlowDao) Delete(id string) error {
	key := rf.getNamespaceKey(DEFINITION_KEY)
	ctx := context.Background()
	if err := rf.redisClient.HDel(ctx, key, id).Err(); err != nil {
		return persistence.StorageLayerError{Cause: err}
	}
	return nil
}
