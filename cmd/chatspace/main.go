package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/classpulse/chatspace/chat"
	"github.com/classpulse/chatspace/cluster"
	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/persistence"
	"github.com/classpulse/chatspace/session"
	"github.com/classpulse/chatspace/transport"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
	sweepSpec  = pflag.String("sweep-schedule", "@every 1m", "cron schedule for the stale session sweep")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()
	log.SetFlags(0)

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	var bus cluster.Bus
	switch cfg.ClusterConfig.Type {
	case "postgres":
		bus, err = cluster.NewPostgresBus(cfg.ClusterConfig.DSN)
		if err != nil {
			panic(err)
		}
	default:
		bus = cluster.NewLoopbackBus()
	}
	defer bus.Close()

	sessions := session.NewService(cfg, persister, bus)
	defer sessions.Close()

	contacts := chat.NewStaticContacts()
	containers := chat.NewMapContainerStorage()
	chat.NewChatserver(cfg, sessions, persister, contacts, containers)

	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc(*sweepSpec, sessions.SweepStale); err != nil {
		panic(err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	router := mux.NewRouter()
	transport.NewServer(sessions).RegisterRoutes(router)

	listenAddress := cfg.ListenAddress
	if listenAddress == "" {
		listenAddress = "localhost:8000"
	}
	globals.AppLogger.Info("listening", "address", listenAddress)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(listenAddress, *sslCert, *sslKey, router)
	} else {
		err = http.ListenAndServe(listenAddress, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}
