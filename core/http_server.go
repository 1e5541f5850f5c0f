package core

import (
	"sync"

	"dev.hon.one/niobium/http"
	"dev.hon.one/niobium/util"
)

// StartHTTPServer - Start HTTP server in the background.
func (app *App) StartHTTPServer(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	http.NewServer(app.Config.HTTPEndpoint, app.Pool, app.Pipeline).Start(waitGroup, shutdown)
}
