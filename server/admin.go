package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"clawrelay/protocol"
)

// Server HTTP 入口：websocket 接入与管理/监控接口
type Server struct {
	cfg      Config
	worlds   *WorldManager
	metrics  *Metrics
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, worlds *WorldManager, metrics *Metrics, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:     cfg,
		worlds:  worlds,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 客户端多为机器人与本地页面，来源不做限制，访问控制依赖共享密钥
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes 注册全部路由
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/players", s.HandlePlayers)
	mux.HandleFunc("/admin/config", s.HandleAdminConfig)
	mux.HandleFunc("/admin/features", s.HandleAdminFeatures)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func worldName(r *http.Request) string {
	if name := r.URL.Query().Get("world"); name != "" {
		return name
	}
	return DefaultWorld
}

// authorized 未配置密钥时放行；否则比较 ?key= 或 X-Relay-Key 头
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.SharedKey == "" {
		return true
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get("X-Relay-Key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.SharedKey)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealth GET /health  各世界的连接与命令代理状态
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	worlds := make([]WorldStatus, 0)
	for _, name := range s.worlds.Names() {
		if world, ok := s.worlds.Get(name); ok {
			worlds = append(worlds, world.Status())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"worlds": worlds,
	})
}

// HandlePlayers GET /players?world=main  已加入的玩家
func (s *Server) HandlePlayers(w http.ResponseWriter, r *http.Request) {
	world, ok := s.worlds.Get(worldName(r))
	if !ok {
		writeJSON(w, http.StatusOK, protocol.Players{Type: protocol.KindPlayers, Players: []protocol.Player{}})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Players{Type: protocol.KindPlayers, Players: world.Players()})
}

// HandleAdminConfig 半径的读取与热更新；只作用于已存在的世界
// GET /admin/config?world=main  返回当前半径
// POST /admin/config?world=main 以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	world, ok := s.worlds.Get(worldName(r))
	if !ok {
		http.Error(w, ErrUnknownWorld.Error(), http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, world.Radii())
	case http.MethodPost:
		var body RadiusConfig
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := world.UpdateRadii(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminFeatures POST /admin/features?world=main  整体替换静态物列表
func (s *Server) HandleAdminFeatures(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var features []protocol.Feature
	if err := json.NewDecoder(r.Body).Decode(&features); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	world, ok := s.worlds.Get(worldName(r))
	if !ok {
		http.Error(w, ErrUnknownWorld.Error(), http.StatusNotFound)
		return
	}
	if !world.SetFeatures(features) {
		http.Error(w, ErrWorldStopped.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "features": len(features)})
}
