package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/broadcast"
)

// engineStatus 为 /status 返回的单用户视图。
type engineStatus struct {
	UserID              string  `json:"user_id"`
	QuoteRunning        bool    `json:"quote_running"`
	OrchestratorRunning bool    `json:"orchestrator_running"`
	DailyLoss           float64 `json:"daily_loss"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Paused              bool    `json:"paused"`
	PauseReason         string  `json:"pause_reason,omitempty"`
	TotalTrades         int64   `json:"total_trades"`
}

// statusResponse 汇总全局计数与各用户引擎状态。
type statusResponse struct {
	GlobalTrades int64          `json:"global_trades"`
	Users        []engineStatus `json:"users"`
}

func (a *App) startMonitorServer(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := broadcast.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = broadcast.EventType(strings.ToLower(typ))
		}

		events, err := a.monitor.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			a.logger.Warn("写入监控响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		statuses := make([]engineStatus, 0, len(a.runners))
		for userID, runner := range a.runners {
			status := engineStatus{UserID: userID}
			if runner.quote != nil {
				status.QuoteRunning, _ = runner.quote.Status()
			}
			if runner.orchestrator != nil {
				status.OrchestratorRunning, _ = runner.orchestrator.Status()
			}
			snapshot := a.riskMgr.GetState(userID)
			status.DailyLoss = snapshot.DailyLoss
			status.ConsecutiveFailures = snapshot.ConsecutiveFailures
			status.Paused = snapshot.Paused
			status.PauseReason = snapshot.PauseReason
			if stats, err := a.store.GetUserStats(r.Context(), userID); err == nil {
				status.TotalTrades = stats.TotalTrades
			}
			statuses = append(statuses, status)
		}
		a.mu.Unlock()

		resp := statusResponse{Users: statuses}
		if global, err := a.store.GetGlobalStats(r.Context()); err == nil {
			resp.GlobalTrades = global.TotalTrades
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			a.logger.Warn("写入状态响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/ws", a.hub.ServeWS)

	addr := fmt.Sprintf(":%d", a.cfg.Monitor.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	a.logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}
