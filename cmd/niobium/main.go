package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/core"
)

func main() {
	if err := newRootCommand(core.Dependencies{}).Execute(); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
