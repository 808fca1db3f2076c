// agp-gateway entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/catalog"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/httpapi"
	"github.com/oarjones/agp-gateway/internal/mcpclient"
	"github.com/oarjones/agp-gateway/internal/orchestrator"
	"github.com/oarjones/agp-gateway/internal/services"
	"github.com/oarjones/agp-gateway/internal/store"
	"github.com/oarjones/agp-gateway/internal/supervisor"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	portFlag := flag.Int("port", 8420, "TCP port to listen on (falls back to an OS-assigned port if busy)")
	bindFlag := flag.String("bind", "localhost", "Network interface to bind (localhost or 0.0.0.0)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("agp-gateway %s\n", version)
		return
	}

	dataDir, err := config.DataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agp-gateway: data dir: %v\n", err)
		os.Exit(1)
	}

	log, err := gwlog.Open(filepath.Join(dataDir, "gateway.log"), "gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "agp-gateway: opening log: %v\n", err)
		os.Exit(1)
	}

	cfgStore, err := config.Open()
	if err != nil {
		log.Errorf("opening config store: %v", err)
		os.Exit(1)
	}

	st, err := store.Open()
	if err != nil {
		log.Errorf("opening persistence layer: %v", err)
		os.Exit(1)
	}

	brk := broker.New(log, 0)
	sup := supervisor.New(log, dataDir)

	cat, err := catalog.Default()
	if err != nil {
		log.Errorf("loading tool catalog: %v", err)
		os.Exit(1)
	}

	cfg := cfgStore.GetAll(false)
	mcpClient := mcpclient.New(log, cfg.Timeouts)
	orch := orchestrator.New(log, st, brk, cat, mcpClient, st, cfg.Timeouts)

	contextSvc := services.NewContextService(log, st, brk)
	taskSvc := services.NewTaskService(log, st, brk, contextSvc)
	planSvc := services.NewPlanService(log, st, brk)
	artifactSvc := services.NewArtifactService(log, st, brk)
	projectsRoot := cfg.ProjectsRoot
	if projectsRoot == "" {
		projectsRoot = filepath.Join(dataDir, "projects")
	}
	projectSvc := services.NewProjectService(log, st, brk, sup, projectsRoot)

	server := httpapi.New(httpapi.Deps{
		Log:          log,
		Store:        st,
		Broker:       brk,
		Config:       cfgStore,
		Supervisor:   sup,
		Catalog:      cat,
		Orchestrator: orch,
		Projects:     projectSvc,
		Tasks:        taskSvc,
		Plans:        planSvc,
		Contexts:     contextSvc,
		Artifacts:    artifactSvc,
	})
	server.SetRuntimeFactory(httpapi.NewRuntimeFactory(log, sup, cfgStore, mcpClient, server))
	server.SetBindAddress(*bindFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "agp-gateway: token=%s\n", server.AuthToken())
	log.Infof("agp-gateway %s starting on %s:%d", version, *bindFlag, *portFlag)

	if err := server.Start(ctx, *portFlag); err != nil {
		log.Errorf("server stopped: %v", err)
		fmt.Fprintf(os.Stderr, "agp-gateway: %v\n", err)
		os.Exit(1)
	}

	grace := cfg.Timeouts.TerminateGraceSeconds
	sup.StopAll(durationFromSeconds(grace))
	log.Infof("agp-gateway shut down cleanly")
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
