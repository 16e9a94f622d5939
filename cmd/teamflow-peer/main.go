package main

import (
	"log"

	"github.com/cordum/teamflow/core/controlplane/peer"
	"github.com/cordum/teamflow/core/infra/buildinfo"
	"github.com/cordum/teamflow/core/infra/config"
)

func main() {
	buildinfo.Log("teamflow-peer")
	cfg := config.Load()
	if err := peer.Run(cfg); err != nil {
		log.Fatalf("teamflow peer error: %v", err)
	}
}
