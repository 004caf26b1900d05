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

const STATE_KEY string = "STATE"
const ACTIVE_KEY string = "ACTIVE"
const AUDIT_KEY string = "AUDIT"

var _ persistence.StateRepository = new(redisStateDao)

type redisStateDao struct {
	baseDao
	stateCodec util.EncoderDecoder[model.FlowState]
	auditCodec util.EncoderDecoder[model.AuditLogEntry]
}

func NewRedisStateDao(baseDao *baseDao) *redisStateDao {
	return &redisStateDao{
		baseDao:    *baseDao,
		stateCodec: util.NewJsonEncoderDecoder[model.FlowState](),
		auditCodec: util.NewJsonEncoderDecoder[model.AuditLogEntry](),
	}
}

func (rs *redisStateDao) SaveState(flowId string, state *model.FlowState) error {
	key := rs.getNamespaceKey(STATE_KEY)
	activeKey := rs.getNamespaceKey(ACTIVE_KEY)
	ctx := context.Background()
	data, err := rs.stateCodec.Encode(*state)
	if err != nil {
		return err
	}
	// state write and the active set stay consistent in one pipeline
	pipe := rs.redisClient.TxPipeline()
	pipe.HSet(ctx, key, []string{flowId, string(data)})
	if state.Status.Terminal() {
		pipe.SRem(ctx, activeKey, flowId)
	} else {
		pipe.SAdd(ctx, activeKey, flowId)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error saving flow state", zap.String("flowId", flowId), zap.Error(err))
		return persistence.StorageLayerError{Cause: err}
	}
	return nil
}

func (rs *redisStateDao) GetState(flowId string) (*model.FlowState, error) {
	key := rs.getNamespaceKey(STATE_KEY)
	ctx := context.Background()
	stateStr, err := rs.redisClient.HGet(ctx, key, flowId).Result()
	if err != nil {
		if err == rd.Nil {
			return nil, persistence.NotFoundError{Key: flowId}
		}
		logger.Error("error fetching flow state", zap.String("flowId", flowId), zap.Error(err))
		return nil, persistence.StorageLayerError{Cause: err}
	}
	return rs.stateCodec.Decode([]byte(stateStr))
}

func (rs *redisStateDao) GetActiveStates() ([]*model.FlowState, error) {
	activeKey := rs.getNamespaceKey(ACTIVE_KEY)
	ctx := context.Background()
	flowIds, err := rs.redisClient.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Cause: err}
	}
	states := make([]*model.FlowState, 0, len(flowIds))
	for _, flowId := range flowIds {
		state, err := rs.GetState(flowId)
		if err != nil {
			// flow may have been deleted between SMEMBERS and HGET
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

func (rs *redisStateDao) SaveAuditLog(flowId string, entry model.AuditLogEntry) error {
	key := rs.getNamespaceKey(AUDIT_KEY, flowId)
	ctx := context.Background()
	data, err := rs.auditCodec.Encode(entry)
	if err != nil {
		return err
	}
	if err := rs.redisClient.RPush(ctx, key, string(data)).Err(); err != nil {
		return persistence.StorageLayerError{Cause: err}
	}
	return nil
}
