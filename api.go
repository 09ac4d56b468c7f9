package serenity

import (
	"context"
	"net/http"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// StatusAPI exposes manager and shard health plus prometheus metrics over
// HTTP.
type StatusAPI struct {
	Logger zerolog.Logger

	host     string
	managers func() []*Manager

	server *fasthttp.Server
}

type managerStatusResponse struct {
	Identifier string              `json:"identifier"`
	Status     ManagerStatus       `json:"status"`
	Shards     []ShardStatusUpdate `json:"shards"`
}

type statusResponse struct {
	Managers []managerStatusResponse `json:"managers"`
}

// NewStatusAPI creates a status API bound to host. managers is called per
// request so managers added after startup are included.
func NewStatusAPI(logger zerolog.Logger, host string, managers func() []*Manager) *StatusAPI {
	api := &StatusAPI{
		Logger: logger,

		host:     host,
		managers: managers,
	}

	r := router.New()
	r.GET("/api/status", api.handleStatus)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))

	api.server = &fasthttp.Server{
		Handler: r.Handler,
		Name:    "serenity",
	}

	return api
}

// Start serves until Shutdown is called. Blocks.
func (api *StatusAPI) Start() error {
	api.Logger.Info().Str("host", api.host).Msg("Serving status API")

	return api.server.ListenAndServe(api.host)
}

func (api *StatusAPI) Shutdown(ctx context.Context) error {
	return api.server.ShutdownWithContext(ctx)
}

func (api *StatusAPI) handleStatus(ctx *fasthttp.RequestCtx) {
	api.Logger.Debug().
		Str("path", gotils_strconv.B2S(ctx.Path())).
		Msg("Status API request")

	managers := api.managers()

	response := statusResponse{
		Managers: make([]managerStatusResponse, 0, len(managers)),
	}

	for _, manager := range managers {
		response.Managers = append(response.Managers, managerStatusResponse{
			Identifier: manager.identifier(),
			Status:     manager.GetStatus(),
			Shards:     manager.StatusUpdates(),
		})
	}

	body, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(http.StatusInternalServerError)

		return
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
