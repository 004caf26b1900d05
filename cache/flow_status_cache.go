package cache

import (
	"time"

	"github.com/flowd-io/flowd/model"
	c "github.com/patrickmn/go-cache"
)

// FlowStatusCache is the fast path for pause/cancel signalling: the run
// loop consults it between steps without a repository round trip. The
// repository stays the source of truth.
type FlowStatusCache struct {
	cache *c.Cache
}

func NewFlowStatusCache() *FlowStatusCache {
	return &FlowStatusCache{
		cache: c.New(c.NoExpiration, 10*time.Minute),
	}
}

func (ch *FlowStatusCache) SaveFlowStatus(flowId string, status model.FlowStatus) {
	ch.cache.Set(flowId, string(status), c.NoExpiration)
}

func (ch *FlowStatusCache) GetFlowStatus(flowId string) (model.FlowStatus, bool) {
	statusStr, found := ch.cache.Get(flowId)
	if found {
		return model.FlowStatus(statusStr.(string)), true
	}
	return model.FlowStatus(""), false
}

func (ch *FlowStatusCache) Delete(flowId string) {
	ch.cache.Delete(flowId)
}
