// Package tools is the transport boundary: named tools taking JSON
// arguments and returning JSON, backed by the orchestrator, the batch
// fetcher, and the fallback executor.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/audit"
	"github.com/Sternrassler/listing-resolver/pkg/batch"
	"github.com/Sternrassler/listing-resolver/pkg/fallback"
	"github.com/Sternrassler/listing-resolver/pkg/logging"
	"github.com/Sternrassler/listing-resolver/pkg/orchestrator"
)

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_tool_calls_total",
		Help: "Tool calls by outcome",
	}, []string{"tool", "status"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_tool_call_duration_seconds",
		Help:    "Tool call duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tool"})
)

// DefaultServerName identifies this process in audit entries and in
// fallback chain remote steps.
const DefaultServerName = "etsy"

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrUnavailable      = errors.New("tool unavailable")
	ErrUnknownServer    = errors.New("unknown server")
)

// Info describes a tool to clients.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	info    Info
	handler handlerFunc
}

// Deps are the components tools are built on. Only Orchestrator is required.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Batch        *batch.Fetcher
	Fallback     *fallback.Executor
	Audit        *audit.Logger

	// ServerName defaults to DefaultServerName. Aliases are further server
	// names fallback chains may use to reach this registry.
	ServerName string
	Aliases    []string

	Logger *zerolog.Logger
}

// Registry dispatches tool calls. It is safe for concurrent use.
type Registry struct {
	deps    Deps
	servers map[string]bool
	tools   map[string]tool
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRegistry builds the registry and, when a fallback executor is given,
// makes this registry its remote caller.
func NewRegistry(deps Deps) *Registry {
	if deps.ServerName == "" {
		deps.ServerName = DefaultServerName
	}
	if deps.Batch == nil && deps.Orchestrator != nil {
		deps.Batch = batch.NewFetcher(deps.Orchestrator, batch.DefaultConfig(), deps.Logger)
	}

	r := &Registry{
		deps:    deps,
		servers: map[string]bool{deps.ServerName: true},
		tools:   map[string]tool{},
		logger:  logging.OrDefault(deps.Logger, "tools"),
		now:     time.Now,
	}
	for _, alias := range deps.Aliases {
		r.servers[alias] = true
	}
	r.register()

	if deps.Fallback != nil {
		deps.Fallback.SetCaller(chainCaller{r})
	}
	return r
}

func (r *Registry) add(name, description string, h handlerFunc) {
	r.tools[name] = tool{info: Info{Name: name, Description: description}, handler: h}
}

// Tools lists the registered tools by name.
func (r *Registry) Tools() []Info {
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Call runs a tool and returns its JSON result. Every call is audited.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	out, err := r.invoke(ctx, name, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	return raw, nil
}

func (r *Registry) invoke(ctx context.Context, name string, args json.RawMessage) (out any, err error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	startTime := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("tool", name).Interface("panic", rec).Msg("Tool panicked")
			out, err = nil, fmt.Errorf("%s panicked: %v", name, rec)
		}

		duration := r.now().Sub(startTime)
		status := audit.StatusSuccess
		if err != nil {
			status = audit.StatusFailure
		}
		toolCallsTotal.WithLabelValues(name, status).Inc()
		toolCallDuration.WithLabelValues(name).Observe(duration.Seconds())

		if r.deps.Audit != nil {
			r.deps.Audit.LogCall(r.deps.ServerName, name, duration, err)
		}
	}()

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	return t.handler(ctx, args)
}

// decodeArgs unmarshals args into v and validates it when v implements
// Validate.
func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return nil
}
