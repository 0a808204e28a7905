package router

import (
	"fmt"

	"github.com/pario-ai/tiercache/pkg/config"
)

// Provider wire formats.
const (
	FormatOpenAI    = "openai"
	FormatAnthropic = "anthropic"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Format returns the wire format spoken by the route's provider.
func (r Route) Format() string {
	if r.Provider.Type == FormatAnthropic {
		return FormatAnthropic
	}
	return FormatOpenAI
}

// Router resolves model aliases to ordered provider+model chains.
type Router struct {
	providers map[string]config.ProviderConfig
	order     []config.ProviderConfig
	routes    []config.RouteConfig
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	r := &Router{
		providers: make(map[string]config.ProviderConfig, len(cfg.Providers)),
		order:     cfg.Providers,
		routes:    cfg.Router.Routes,
	}
	for _, p := range cfg.Providers {
		r.providers[p.Name] = p
	}
	return r
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise, the first provider is used with the original model name.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	for _, route := range r.routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			provider, ok := r.providers[target.Provider]
			if !ok {
				continue
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: provider, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	return []Route{{Provider: r.order[0], Model: requestedModel}}, nil
}
