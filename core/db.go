package core

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/db"
	"dev.hon.one/niobium/util"
)

// StartDBClient - Wait for the InfluxDB sink in the background, if one is used.
func (app *App) StartDBClient(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	sink, ok := app.Sink.(*db.InfluxSink)
	if !ok {
		log.Info("Metrics are kept in memory")
		return
	}

	// Setup shutdown signal and waitgroup
	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return
	}
	waitGroup.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdownChannel
		cancel()
	}()
	go func() {
		defer waitGroup.Done()
		if err := sink.WaitReady(ctx, time.Second); err != nil {
			return
		}
		log.Info("DB client started: ", app.Config.InfluxDB.URL)
	}()
}
