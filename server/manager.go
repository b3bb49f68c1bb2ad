package server

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultWorld 未指定 world 参数时进入的世界，常驻不回收
const DefaultWorld = "main"

// WorldManager 管理多个世界的生命周期；显式构造，不使用全局单例。
// 世界数量有上限，达到上限时回收没有连接的世界
type WorldManager struct {
	mu        sync.RWMutex
	worlds    map[string]*World
	cfg       WorldConfig
	maxWorlds int
	log       *zap.SugaredLogger
	metrics   *Metrics
	sink      EventSink
	closed    bool
}

func NewWorldManager(cfg WorldConfig, maxWorlds int, log *zap.SugaredLogger, metrics *Metrics) *WorldManager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if maxWorlds <= 0 {
		maxWorlds = 1
	}
	return &WorldManager{
		worlds:    make(map[string]*World),
		cfg:       cfg,
		maxWorlds: maxWorlds,
		log:       log,
		metrics:   metrics,
	}
}

// SetEventSink 对之后创建的世界生效
func (m *WorldManager) SetEventSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// GetOrCreate 获取或创建世界，并确保其循环已启动。
// 管理器关闭后返回 ErrWorldStopped；数量已满且无空闲世界可回收时返回 ErrTooManyWorlds
func (m *WorldManager) GetOrCreate(name string) (*World, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrWorldStopped
	}
	if w, ok := m.worlds[name]; ok {
		return w, nil
	}
	if len(m.worlds) >= m.maxWorlds {
		m.reclaimIdleLocked()
	}
	if len(m.worlds) >= m.maxWorlds {
		m.log.Warnf("refusing world %q: %d worlds open", name, len(m.worlds))
		return nil, ErrTooManyWorlds
	}

	w := NewWorld(name, m.cfg, m.log, m.metrics)
	if m.sink != nil {
		w.SetEventSink(m.sink)
	}
	m.worlds[name] = w
	w.Start()
	return w, nil
}

// reclaimIdleLocked 停止并移除没有任何连接的世界（DefaultWorld 除外），同时删除其指标
func (m *WorldManager) reclaimIdleLocked() {
	for name, w := range m.worlds {
		if name == DefaultWorld || w.Status().Connections > 0 {
			continue
		}
		w.Stop()
		delete(m.worlds, name)
		m.metrics.forgetWorld(name)
		m.log.Infof("reclaimed idle world %q", name)
	}
}

func (m *WorldManager) Get(name string) (*World, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.worlds[name]
	return w, ok
}

// Names 按名称排序
func (m *WorldManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.worlds))
	for name := range m.worlds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 停止所有世界
func (m *WorldManager) Close() {
	m.mu.Lock()
	m.closed = true
	worlds := make([]*World, 0, len(m.worlds))
	for _, w := range m.worlds {
		worlds = append(worlds, w)
	}
	m.mu.Unlock()

	for _, w := range worlds {
		w.Stop()
	}
}
