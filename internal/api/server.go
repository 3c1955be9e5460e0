package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"txnload/internal/events"
	"txnload/internal/history"
	"txnload/internal/logger"
	"txnload/internal/scenario"
	"txnload/internal/session"

	"golang.org/x/net/websocket"
)

const defaultHistoryLimit = 20

// Server はAPIサーバー
type Server struct {
	addr    string
	bus     *events.Bus
	history *history.Store

	mu         sync.RWMutex
	baseCtx    context.Context
	engine     *scenario.Engine
	config     scenario.Config
	running    bool
	lastResult *scenario.Result
	done       chan struct{}

	wsMu      sync.RWMutex
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しいAPIサーバーを作成する
func NewServer(addr string) *Server {
	return &Server{
		addr:      addr,
		bus:       events.NewBus(),
		baseCtx:   context.Background(),
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// SetHistory は結果の保存先を設定する
func (s *Server) SetHistory(h *history.Store) {
	s.history = h
}

// EventBus はシナリオのイベントを流すバスを返す
func (s *Server) EventBus() *events.Bus {
	return s.bus
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/coordinators", s.handleCoordinators)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/scenario/start", s.handleScenarioStart)
	mux.HandleFunc("/api/scenario/stop", s.handleScenarioStop)
	mux.HandleFunc("/api/presets", s.handlePresets)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/result", s.handleResult)

	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))

	return mux
}

// Start はサーバーを開始する
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// バックグラウンドでイベントとステータスを配信
	go s.forwardEvents(ctx)
	go s.broadcastLoop(ctx)

	logger.Info("", "API Server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		s.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop は実行中のシナリオを止め、終了を待つ
func (s *Server) Stop() {
	s.mu.RLock()
	engine := s.engine
	done := s.done
	running := s.running
	s.mu.RUnlock()

	if !running || engine == nil {
		return
	}
	engine.Stop()
	<-done
}

// Done は直近のシナリオの終了を通知するチャネルを返す
func (s *Server) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// CoordinatorInfo はコーディネーター情報
type CoordinatorInfo struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Delay     string `json:"delay,omitempty"`
	Accepted  uint64 `json:"accepted"`
	Committed uint64 `json:"committed"`
	Aborted   uint64 `json:"aborted"`
	InFlight  int64  `json:"in_flight"`
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Running               bool   `json:"running"`
	ScenarioName          string `json:"scenario_name,omitempty"`
	Mode                  string `json:"mode,omitempty"`
	CoordinatorCount      int    `json:"coordinator_count"`
	RunningCoordinators   int    `json:"running_coordinators"`
	StoppedCoordinators   int    `json:"stopped_coordinators"`
	SuspendedCoordinators int    `json:"suspended_coordinators"`
	Clients               int    `json:"clients"`
	Attempted             uint64 `json:"attempted"`
	Committed             uint64 `json:"committed"`
	StoreTotal            int    `json:"store_total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.status())
}

func (s *Server) status() StatusResponse {
	s.mu.RLock()
	engine := s.engine
	resp := StatusResponse{Running: s.running}
	if engine != nil {
		resp.ScenarioName = s.config.Name
		resp.Mode = s.config.Mode.String()
	}
	s.mu.RUnlock()

	if engine == nil {
		return resp
	}

	if c := engine.Cluster(); c != nil {
		resp.CoordinatorCount = c.Size()
		resp.RunningCoordinators = c.RunningCount()
		resp.StoppedCoordinators = c.StoppedCount()
		resp.SuspendedCoordinators = c.SuspendedCount()
		resp.Clients = c.ClientCount()
		resp.StoreTotal = c.Total()
	}
	if stats := engine.WorkloadStats(); stats != nil {
		resp.Attempted = stats.Attempted
		resp.Committed = stats.Committed
	}
	return resp
}

func (s *Server) handleCoordinators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	infos := []CoordinatorInfo{}
	if engine != nil {
		if c := engine.Cluster(); c != nil {
			for _, co := range c.Coordinators() {
				stats := co.Stats()
				info := CoordinatorInfo{
					ID:        string(co.ID()),
					Status:    co.Status().String(),
					Accepted:  stats.Accepted,
					Committed: stats.Committed,
					Aborted:   stats.Aborted,
					InFlight:  stats.InFlight,
				}
				if d := co.Delay(); d > 0 {
					info.Delay = d.String()
				}
				infos = append(infos, info)
			}
		}
	}

	s.writeJSON(w, infos)
}

// MetricsResponse はメトリクスレスポンス
type MetricsResponse struct {
	Attempts      uint64  `json:"attempts"`
	Commits       uint64  `json:"commits"`
	Aborts        uint64  `json:"aborts"`
	AbortRequests uint64  `json:"abort_requests"`
	Retries       uint64  `json:"retries"`
	StaleReplies  uint64  `json:"stale_replies"`
	TPS           float64 `json:"tps"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	CommitRate    float64 `json:"commit_rate"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	resp := MetricsResponse{}
	if engine != nil {
		if snap := engine.Metrics(); snap != nil {
			resp = MetricsResponse{
				Attempts:      snap.Attempts,
				Commits:       snap.Commits,
				Aborts:        snap.Aborts,
				AbortRequests: snap.AbortRequests,
				Retries:       snap.Retries,
				StaleReplies:  snap.StaleReplies,
				TPS:           snap.TPS,
				AvgLatencyMs:  float64(snap.AverageLatency.Microseconds()) / 1000,
				P99LatencyMs:  float64(snap.P99Latency.Microseconds()) / 1000,
				CommitRate:    snap.CommitRate,
			}
		}
	}

	s.writeJSON(w, resp)
}

// ScenarioRequest はシナリオ開始リクエスト
type ScenarioRequest struct {
	Preset       string `json:"preset"`
	Duration     string `json:"duration,omitempty"`
	Clients      int    `json:"clients,omitempty"`
	Coordinators int    `json:"coordinators,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Seed         uint64 `json:"seed,omitempty"`
}

// toConfig はリクエストからシナリオ設定を作る
func (req ScenarioRequest) toConfig() (scenario.Config, error) {
	config := scenario.QuickScenario()
	if req.Preset != "" {
		preset, ok := scenario.GetPreset(req.Preset)
		if !ok {
			return scenario.Config{}, fmt.Errorf("unknown preset: %s", req.Preset)
		}
		config = preset
	}

	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return scenario.Config{}, fmt.Errorf("invalid duration %q: %w", req.Duration, err)
		}
		config.Duration = d
	}
	if req.Clients > 0 {
		config.Clients = req.Clients
	}
	if req.Coordinators > 0 {
		config.Coordinators = req.Coordinators
	}
	if req.Mode != "" {
		mode, err := session.ParseMode(req.Mode)
		if err != nil {
			return scenario.Config{}, err
		}
		config.Mode = mode
	}
	if req.Seed != 0 {
		config.Seed = req.Seed
	}

	if err := config.Validate(); err != nil {
		return scenario.Config{}, err
	}
	return config, nil
}

func (s *Server) handleScenarioStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	config, err := req.toConfig()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		http.Error(w, "Scenario already running", http.StatusConflict)
		return
	}

	engine := scenario.New(config)
	engine.SetEventBus(s.bus)
	done := make(chan struct{})

	s.config = config
	s.engine = engine
	s.running = true
	s.done = done
	ctx := s.baseCtx
	s.mu.Unlock()

	// バックグラウンドで実行
	go s.run(ctx, engine, done)

	s.writeJSON(w, map[string]string{"status": "started", "scenario": config.Name})
}

// run はシナリオを実行し、結果を保存して配信する
func (s *Server) run(ctx context.Context, engine *scenario.Engine, done chan struct{}) {
	defer close(done)

	result, err := engine.Run(ctx)

	var id uint64
	if result != nil && s.history != nil {
		saved, saveErr := s.history.Save(result)
		if saveErr != nil {
			logger.Error("", "Failed to save result: %v", saveErr)
		} else {
			id = saved
		}
	}

	s.mu.Lock()
	s.running = false
	if result != nil {
		s.lastResult = result
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("", "Scenario failed: %v", err)
	}
	if result != nil {
		logger.Info("", "Scenario completed: %d/%d committed", result.Committed, result.Attempted)
	}

	msg := map[string]any{
		"type":   "scenario_complete",
		"result": result,
	}
	if id > 0 {
		msg["history_id"] = id
	}
	if err != nil {
		msg["error"] = err.Error()
	}
	s.broadcast(msg)
}

func (s *Server) handleScenarioStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	engine := s.engine
	running := s.running
	s.mu.RUnlock()

	if !running || engine == nil || !engine.Stop() {
		http.Error(w, "No scenario running", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, map[string]string{"status": "stop requested"})
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
	Duration    string `json:"duration"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := scenario.ListPresets()
	presets := make([]PresetInfo, 0, len(names))
	for _, name := range names {
		config, _ := scenario.GetPreset(name)
		presets = append(presets, PresetInfo{
			Name:        name,
			Description: config.Description,
			Mode:        config.Mode.String(),
			Duration:    config.Duration.String(),
		})
	}

	s.writeJSON(w, presets)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "History is disabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.history.List(limit)
	if err != nil {
		logger.Error("", "Failed to list history: %v", err)
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, records)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	result := s.lastResult
	s.mu.RUnlock()

	if result == nil {
		http.Error(w, "No result yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, result)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.wsMu.Lock()
	s.wsClients[ws] = true
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, ws)
		s.wsMu.Unlock()
		_ = ws.Close()
	}()

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(data any) {
	s.wsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.wsMu.RUnlock()

	if len(clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// forwardEvents はバスのイベントをWebSocketクライアントへ流す
func (s *Server) forwardEvents(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(map[string]any{
				"type":  "event",
				"event": ev,
			})
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running {
				continue
			}

			s.broadcast(map[string]any{
				"type":   "status",
				"status": s.status(),
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}
