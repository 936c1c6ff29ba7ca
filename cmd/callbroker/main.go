// callbroker serves the signaling fan-out and the TURN credential endpoint,
// optionally with an embedded TURN relay for single-binary deployments.
package main

import (
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/heartwire/callcore/internal/broker"
	"github.com/heartwire/callcore/internal/config"
	"github.com/heartwire/callcore/internal/turnserver"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg := config.NewBrokerConfig()
	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.TURNSecret, "turn-secret", cfg.TURNSecret, "shared secret for TURN credentials")
	flag.StringVar(&cfg.TURNPublicIP, "turn-public-ip", cfg.TURNPublicIP, "public IP advertised by the embedded relay")
	flag.BoolVar(&cfg.EmbedTURN, "embed-turn", cfg.EmbedTURN, "run the TURN relay in this process")
	flag.Parse()

	turnCfg := broker.TURNConfig{
		Secret: cfg.TURNSecret,
		URIs:   cfg.TURNURIs,
		TTL:    cfg.TURNTTL,
	}
	if len(turnCfg.URIs) == 0 && cfg.TURNPublicIP != "" {
		turnCfg.URIs = []string{fmt.Sprintf("turn:%s:%d", cfg.TURNPublicIP, cfg.TURNPort)}
	}

	if cfg.EmbedTURN {
		if cfg.TURNSecret == "" {
			logger.Fatal("embedded TURN relay requires a secret")
		}
		relay, err := turnserver.New(turnserver.Config{
			Realm:    cfg.TURNRealm,
			Secret:   cfg.TURNSecret,
			PublicIP: cfg.TURNPublicIP,
			Port:     cfg.TURNPort,
		})
		if err != nil {
			logger.Fatal("configure TURN relay", zap.Error(err))
		}
		if err := relay.Start(); err != nil {
			logger.Fatal("start TURN relay", zap.Error(err))
		}
		defer relay.Stop()
	}

	srv := broker.NewServer(turnCfg)
	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.Fatal("broker exited", zap.Error(err))
	}
}
