package core

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/util"
)

// StartMonitoring - Start scheduled collection in the background, if enabled.
func (app *App) StartMonitoring(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) error {
	if app.Pipeline == nil {
		log.Info("Monitoring disabled")
		return nil
	}

	// Setup shutdown signal and waitgroup
	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := app.Pipeline.Start(ctx); err != nil {
		cancel()
		return err
	}
	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()
		<-shutdownChannel
		// Abort in-flight commands, then wait for the runs to return
		cancel()
		app.Pipeline.Stop()
	}()
	return nil
}

// StartConnectionPool - Start idle connection eviction; the pool is shut down with the app.
func (app *App) StartConnectionPool(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return
	}
	waitGroup.Add(1)
	app.Pool.Start()
	log.WithFields(log.Fields{
		"max_size": app.Config.Pool.MaxSize,
	}).Info("Connection pool started")

	go func() {
		defer waitGroup.Done()
		<-shutdownChannel
		app.Pool.Shutdown()
	}()
}

// Run - Run all background services until shutdown.
func (app *App) Run(shutdown *util.ShutdownChannelDistributor) error {
	var waitGroup sync.WaitGroup
	app.StartConnectionPool(&waitGroup, shutdown)
	app.StartDBClient(&waitGroup, shutdown)
	if err := app.StartMonitoring(&waitGroup, shutdown); err != nil {
		shutdown.Shutdown()
		waitGroup.Wait()
		return err
	}
	app.StartHTTPServer(&waitGroup, shutdown)

	// Wait for internal services to finish
	waitGroup.Wait()
	return nil
}
