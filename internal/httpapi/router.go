package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterReminderRoutes 注册提醒接口路由
func (r *Router) RegisterReminderRoutes(h *ReminderHandler, sse *EventsHandler) {
	r.Handle("/reminder/api/v1/reminders", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.CreateReminder(w, req)
		case http.MethodGet:
			h.ListReminders(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	r.Handle("/reminder/api/v1/reminders/upcoming", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListUpcoming(w, req)
	})

	// reminders/{id} 与其子操作
	r.Handle("/reminder/api/v1/reminders/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/reminder/api/v1/reminders/")
		if rest == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		parts := strings.Split(rest, "/")

		switch {
		case len(parts) == 1:
			id := parts[0]
			switch req.Method {
			case http.MethodPut, http.MethodPatch:
				h.EditReminder(w, req, id)
			case http.MethodDelete:
				h.DeleteReminder(w, req, id)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		case len(parts) == 2 && parts[1] == "complete" && req.Method == http.MethodPost:
			h.CompleteReminder(w, req, parts[0])
		case len(parts) == 2 && parts[1] == "cancel" && req.Method == http.MethodPost:
			h.CancelReminder(w, req, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r.Handle("/reminder/api/v1/occurrences/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/reminder/api/v1/occurrences/")
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[1] == "complete" && req.Method == http.MethodPost {
			h.CompleteOccurrence(w, req, parts[0])
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	r.Handle("/reminder/api/v1/devices", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.RegisterDevice(w, req)
	})

	r.Handle("/reminder/api/v1/subscriptions", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.SaveSubscription(w, req)
		case http.MethodDelete:
			h.DeleteSubscription(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	r.Handle("/reminder/api/v1/events", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sse.Stream(w, req)
	})

	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		writeOK(w, map[string]string{"status": "ok"})
	})
}
