package server

import (
	"encoding/json"
	"time"

	"clawrelay/protocol"
)

// tick 为每个已加入的连接计算个性化视野并写入快照槽；
// 尚未发出的旧快照被直接覆盖，事件队列不受影响
func (w *World) tick() {
	start := time.Now()
	w.tickSeq++
	for _, id := range w.registry.IDs() {
		if _, ok := w.store.Get(id); !ok {
			continue
		}
		w.pushState(id)
	}
	w.metrics.tickDuration.Observe(time.Since(start).Seconds())
}

// pushState 计算并写入 id 的最新快照（tick 与 get_state 共用）
func (w *World) pushState(id string) {
	out := w.registry.outbox(id)
	if out == nil {
		return
	}
	b, err := json.Marshal(w.stateFor(id))
	if err != nil {
		w.log.Errorf("marshal state for %s: %v", id, err)
		return
	}
	if out.SetSnapshot(b) {
		w.metrics.snapshotsSuperseded.Inc()
	}
}

// stateFor 没有玩家记录的连接（例如不占位的 mutator）只得到空视野
func (w *World) stateFor(id string) protocol.State {
	st := protocol.State{
		Type:            protocol.KindState,
		Tick:            w.tickSeq,
		Nearby:          protocol.Nearby{Players: []protocol.NearbyPlayer{}, Features: []protocol.NearbyFeature{}},
		Heard:           w.messenger.Heard(id),
		MutatorAttached: w.broker.State() == Active,
	}
	if view, ok := w.interest.ViewFor(id, w.cfg.ViewRadius); ok {
		self := view.Self.Wire()
		st.Self = &self
		st.Nearby = view.Wire()
	}
	return st
}
