package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lifetrack-reminder/internal/models"

	"go.uber.org/zap"
)

// StateChangeSource 状态变更订阅源（lifecycle.EventPublisher 实现）
type StateChangeSource interface {
	Subscribe() (<-chan models.StateChange, func())
}

// EventsHandler 状态变更 SSE 推流
// UI 订阅后实时收到本进程的生命周期转移；跨进程的历史/持久订阅走
// Redis Streams，这里只做在线推送
type EventsHandler struct {
	source            StateChangeSource
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

// NewEventsHandler 创建 SSE 处理器
func NewEventsHandler(source StateChangeSource, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		source:            source,
		logger:            logger,
		heartbeatInterval: 15 * time.Second,
	}
}

// Stream GET /reminder/api/v1/events
// owner_id 过滤：只推该用户的状态变更；缺省推全部
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	owner := ownerID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// 注释行保活，防止中间层断开空闲连接
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if owner != "" && ev.OwnerID != owner {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal state change", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: state_change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
