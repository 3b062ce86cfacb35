package server

import (
	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/keyrelay/internal/config"
	"github.com/r9s-ai/keyrelay/internal/gemini"
	"github.com/r9s-ai/keyrelay/internal/openrouter"
	"github.com/r9s-ai/keyrelay/internal/relay"
	"github.com/r9s-ai/keyrelay/internal/tmdb"
	"github.com/r9s-ai/keyrelay/internal/upstream"
)

func mountProviders(g *gin.RouterGroup, cfg *config.Config, obs relay.Observer) {
	hc := upstream.NewClient(upstream.Options{
		Timeout:    cfg.UpstreamTimeout(),
		HTTPSProxy: cfg.Upstream.HTTPSProxy,
		NoProxy:    cfg.Upstream.NoProxy,
	})

	gc := &gemini.Client{BaseURL: cfg.Gemini.BaseURL, Model: cfg.Gemini.Model, HTTP: hc}
	g.POST("/gemini", relay.Handler(gemini.Provider(gc, cfg.Gemini.APIKey), obs))

	tc := &tmdb.Client{BaseURL: cfg.TMDB.BaseURL, HTTP: hc}
	g.POST("/tmdb", relay.Handler(tmdb.Provider(tc, cfg.TMDB.APIKey), obs))

	oc := &openrouter.Client{
		BaseURL: cfg.OpenRouter.BaseURL,
		Model:   cfg.OpenRouter.Model,
		Referer: cfg.OpenRouter.Referer,
		Title:   cfg.OpenRouter.Title,
		HTTP:    hc,
	}
	g.POST("/openrouter", relay.Handler(openrouter.Provider(oc, cfg.OpenRouter.APIKey), obs))
}

// ConfiguredProviders reports which provider keys are present, never the
// keys themselves.
func ConfiguredProviders(cfg *config.Config) map[string]bool {
	return map[string]bool{
		"gemini":     cfg.Gemini.APIKey != "",
		"tmdb":       cfg.TMDB.APIKey != "",
		"openrouter": cfg.OpenRouter.APIKey != "",
	}
}

