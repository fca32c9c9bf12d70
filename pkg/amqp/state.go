package amqp

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// TopologyState remembers topology facts for the lifetime of a ConnectionManager:
// exchanges that have been declared, and durable queues that were deleted and must no
// longer be consumed from. It is safe for concurrent use.
type TopologyState struct {
	declaredExchanges mapset.Set[string]
	deletedQueues     mapset.Set[string]
}

// NewTopologyState returns an empty TopologyState.
func NewTopologyState() *TopologyState {
	return &TopologyState{
		declaredExchanges: mapset.NewSet[string](),
		deletedQueues:     mapset.NewSet[string](),
	}
}

// IsExchangeDeclared reports whether exchange was declared before.
func (state *TopologyState) IsExchangeDeclared(exchange string) bool {
	return state.declaredExchanges.Contains(exchange)
}

// SetExchangeDeclared records exchange as declared.
func (state *TopologyState) SetExchangeDeclared(exchange string) {
	state.declaredExchanges.Add(exchange)
}

// IsQueueDeleted reports whether queue was deleted.
func (state *TopologyState) IsQueueDeleted(queue string) bool {
	return state.deletedQueues.Contains(queue)
}

// SetQueueDeleted records queue as deleted.
func (state *TopologyState) SetQueueDeleted(queue string) {
	state.deletedQueues.Add(queue)
}
