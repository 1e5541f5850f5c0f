package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/monitoring"
	"dev.hon.one/niobium/util"
)

// Server - The HTTP API. The pipeline may be nil if monitoring is disabled.
type Server struct {
	endpoint string
	pool     *connection.Manager
	pipeline *monitoring.Pipeline
	mux      *http.ServeMux
}

// NewServer - Create a server for the endpoint. Nothing listens until Start.
func NewServer(endpoint string, pool *connection.Manager, pipeline *monitoring.Pipeline) *Server {
	server := &Server{
		endpoint: endpoint,
		pool:     pool,
		pipeline: pipeline,
		mux:      http.NewServeMux(),
	}
	server.mux.HandleFunc("/", server.handleOtherRequest)
	server.mux.HandleFunc("GET /metrics", server.handleMetricsRequest)
	server.mux.HandleFunc("GET /api/alerts", server.handleAlertsRequest)
	server.mux.HandleFunc("POST /api/alerts/{id}/ack", server.handleAlertActionRequest)
	server.mux.HandleFunc("POST /api/alerts/{id}/resolve", server.handleAlertActionRequest)
	return server
}

// Handler - The request handler.
func (server *Server) Handler() http.Handler {
	return server.mux
}

// Start - Start HTTP server in the background.
func (server *Server) Start(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return
	}
	waitGroup.Add(1)

	httpServer := &http.Server{
		Addr:              server.endpoint,
		Handler:           server.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run
	stopped := make(chan struct{})
	go func() {
		defer waitGroup.Done()
		defer close(stopped)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
		}
		log.Info("HTTP server stopped")
	}()

	// Shutdown
	go func() {
		select {
		case <-shutdownChannel:
			shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownContext); err != nil {
				log.WithError(err).Warn("HTTP server shutdown incomplete")
			}
		case <-stopped:
		}
	}()

	log.Infof("HTTP server started: %v", server.endpoint)
}

func (server *Server) handleOtherRequest(response http.ResponseWriter, request *http.Request) {
	if request.URL.Path == "/" {
		fmt.Fprintf(response, "%s version %s by %s.\n", common.AppName, common.AppVersion, common.AppAuthor)
		fmt.Fprintf(response, "\nPaths:\n")
		fmt.Fprintf(response, "- Metrics: /metrics\n")
		fmt.Fprintf(response, "- Alerts: /api/alerts (?all for resolved too)\n")
		fmt.Fprintf(response, "- Acknowledge alert: POST /api/alerts/{id}/ack\n")
		fmt.Fprintf(response, "- Resolve alert: POST /api/alerts/{id}/resolve\n")
	} else {
		http.Error(response, "404 - Page not found.\n", http.StatusNotFound)
	}
}

func (server *Server) handleAlertsRequest(response http.ResponseWriter, request *http.Request) {
	logRequest("alerts", request)
	if server.pipeline == nil {
		writeJSON(response, http.StatusOK, []common.Alert{})
		return
	}
	evaluator := server.pipeline.Evaluator()
	if request.URL.Query().Has("all") {
		writeJSON(response, http.StatusOK, evaluator.Alerts())
		return
	}
	writeJSON(response, http.StatusOK, evaluator.Active())
}

func (server *Server) handleAlertActionRequest(response http.ResponseWriter, request *http.Request) {
	logRequest("alert action", request)
	if server.pipeline == nil {
		http.Error(response, "Monitoring is disabled.\n", http.StatusNotFound)
		return
	}
	evaluator := server.pipeline.Evaluator()
	id := request.PathValue("id")
	if _, found := evaluator.Get(id); !found {
		http.Error(response, fmt.Sprintf("Alert %v not found.\n", id), http.StatusNotFound)
		return
	}

	var alert common.Alert
	var err error
	if request.URL.Path == "/api/alerts/"+id+"/ack" {
		alert, err = evaluator.Acknowledge(id)
	} else {
		alert, err = evaluator.Resolve(id)
	}
	if err != nil {
		http.Error(response, err.Error()+"\n", http.StatusConflict)
		return
	}
	writeJSON(response, http.StatusOK, alert)
}

func logRequest(endpoint string, request *http.Request) {
	log.WithFields(log.Fields{
		"endpoint": endpoint,
		"client":   request.RemoteAddr,
		"url":      request.URL,
	}).Trace("Request")
}

func writeJSON(response http.ResponseWriter, status int, value interface{}) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	if err := json.NewEncoder(response).Encode(value); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}
