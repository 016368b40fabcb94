package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-trigger/internal/monitor"
	"trade-trigger/internal/service"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

type createInstructionRequest struct {
	UserID    int64                 `json:"user_id"`
	Condition trigger.Condition     `json:"condition"`
	Order     trigger.OrderTemplate `json:"order"`
}

type bulkRequest struct {
	UserID int64 `json:"user_id"`
}

type reconcileRequest struct {
	UserID int64  `json:"user_id"`
	Scope  string `json:"scope"`
}

type affectedResponse struct {
	Affected int64 `json:"affected"`
}

// runServer 暴露面向 Web 层的 HTTP 接口，阻塞运行直到 ctx 取消。
func (a *App) runServer(ctx context.Context, svc *service.Service, monitorSvc *monitor.Service) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /instructions", func(w http.ResponseWriter, r *http.Request) {
		var req createInstructionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("解析请求失败: %w", err))
			return
		}

		instr, err := svc.CreateInstruction(r.Context(), req.UserID, req.Condition, req.Order)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, service.ErrNoQuote) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, instr, a.logger)
	})

	mux.HandleFunc("GET /instructions", func(w http.ResponseWriter, r *http.Request) {
		userID, err := queryUserID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		list, err := svc.ListInstructions(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if list == nil {
			list = []trigger.Instruction{}
		}
		writeJSON(w, http.StatusOK, list, a.logger)
	})

	mux.HandleFunc("DELETE /instructions/{id}", func(w http.ResponseWriter, r *http.Request) {
		userID, err := queryUserID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		err = svc.CancelInstruction(r.Context(), userID, r.PathValue("id"))
		if errors.Is(err, service.ErrNotPending) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /trades", func(w http.ResponseWriter, r *http.Request) {
		userID, err := queryUserID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		scope, ok := trade.ParseScope(r.URL.Query().Get("scope"))
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("非法的 scope 参数"))
			return
		}

		list, err := svc.ListTrades(r.Context(), userID, scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if list == nil {
			list = []trade.Trade{}
		}
		writeJSON(w, http.StatusOK, list, a.logger)
	})

	mux.HandleFunc("POST /reconcile", func(w http.ResponseWriter, r *http.Request) {
		var req reconcileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("解析请求失败: %w", err))
			return
		}
		scope, ok := trade.ParseScope(req.Scope)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("非法的 scope 参数"))
			return
		}

		result, err := svc.ReconcileNow(r.Context(), req.UserID, scope)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, result, a.logger)
	})

	mux.HandleFunc("POST /trades/close-all", func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("解析请求失败: %w", err))
			return
		}

		affected, err := svc.CloseAll(r.Context(), req.UserID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, affectedResponse{Affected: affected}, a.logger)
	})

	mux.HandleFunc("POST /trades/cancel-all", func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("解析请求失败: %w", err))
			return
		}

		affected, err := svc.CancelAll(r.Context(), req.UserID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, affectedResponse{Affected: affected}, a.logger)
	})

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
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

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := monitorSvc.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events, a.logger)
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		}
	}()

	a.logger.Info("HTTP 接口已启动", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("app: HTTP 服务异常: %w", err)
	}
	return nil
}

func queryUserID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return 0, errors.New("缺少 user_id 参数")
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.New("非法的 user_id 参数")
	}
	return userID, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
