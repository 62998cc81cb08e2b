// Package actions fans recorded incidents out to notification handlers.
package actions

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chosenoffset/telesync/pkg/telesync/incident"
)

type ActionType string

const (
	AlertAction     ActionType = "alert"
	LogAction       ActionType = "log"
	DashboardAction ActionType = "dashboard"
	MirrorAction    ActionType = "mirror"
)

// Action is one incident on its way to the handlers of one type.
type Action struct {
	Type      ActionType
	Incident  incident.Incident
	Timestamp time.Time
}

type ActionHandler interface {
	Handle(action Action) error
}

// HandlerFunc adapts a function to ActionHandler.
type HandlerFunc func(Action) error

func (f HandlerFunc) Handle(action Action) error { return f(action) }

// ConsoleAlertHandler prints a one-line alert per incident.
type ConsoleAlertHandler struct {
	Out io.Writer
}

func (h *ConsoleAlertHandler) Handle(action Action) error {
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	inc := action.Incident
	_, err := fmt.Fprintf(out, "[%s] ALERT [%s]: %s %s (value %g)\n",
		action.Timestamp.Format("15:04:05"), inc.Source, inc.Tag, describe(inc), inc.Value)
	return err
}

func describe(inc incident.Incident) string {
	switch inc.Violation {
	case incident.BelowMin:
		if inc.ThresholdMin != nil {
			return fmt.Sprintf("below minimum %g", *inc.ThresholdMin)
		}
		return "below minimum"
	case incident.AboveMax:
		if inc.ThresholdMax != nil {
			return fmt.Sprintf("above maximum %g", *inc.ThresholdMax)
		}
		return "above maximum"
	}
	return string(inc.Violation)
}

// LogHandler writes each incident as a structured WARN record.
type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(action Action) error {
	logger := h.logger
	if logger == nil {
		logger = slog.Default()
	}
	inc := action.Incident
	logger.Warn("threshold violation",
		"tag", inc.Tag,
		"value", inc.Value,
		"violation", inc.Violation,
		"source", inc.Source,
		"observed_at", inc.ObservedAt)
	return nil
}

// DashboardHandler forwards incidents to a live dashboard feed.
type DashboardHandler struct {
	send func(incident.Incident)
}

func NewDashboardHandler(send func(incident.Incident)) *DashboardHandler {
	return &DashboardHandler{send: send}
}

func (h *DashboardHandler) Handle(action Action) error {
	if h.send != nil {
		h.send(action.Incident)
	}
	return nil
}

type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[ActionType][]ActionHandler
	order    []ActionType
	now      func() time.Time
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		handlers: make(map[ActionType][]ActionHandler),
		now:      time.Now,
	}
}

func (r *ActionRegistry) RegisterHandler(actionType ActionType, handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[actionType]; !ok {
		r.order = append(r.order, actionType)
	}
	r.handlers[actionType] = append(r.handlers[actionType], handler)
}

// Types lists the action types with at least one handler, in
// registration order.
func (r *ActionRegistry) Types() []ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionType, len(r.order))
	copy(out, r.order)
	return out
}

func (r *ActionRegistry) ExecuteAction(action Action) error {
	r.mu.RLock()
	handlers, exists := r.handlers[action.Type]
	if !exists {
		r.mu.RUnlock()
		return fmt.Errorf("no handlers registered for action type: %s", action.Type)
	}

	handlersCopy := make([]ActionHandler, len(handlers))
	copy(handlersCopy, handlers)
	r.mu.RUnlock()

	var errs []error
	for _, handler := range handlersCopy {
		if err := handler.Handle(action); err != nil {
			errs = append(errs, fmt.Errorf("handler error for %s: %w", action.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs every registered action type for inc. A failing
// handler does not stop the others; their errors are joined.
func (r *ActionRegistry) Dispatch(inc incident.Incident) error {
	var errs []error
	for _, t := range r.Types() {
		if err := r.ExecuteAction(r.CreateAction(t, inc)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *ActionRegistry) CreateAction(actionType ActionType, inc incident.Incident) Action {
	return Action{
		Type:      actionType,
		Incident:  inc,
		Timestamp: r.now(),
	}
}
