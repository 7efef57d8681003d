package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/boltzgen-mcp/internal/common"
	"github.com/ternarybob/boltzgen-mcp/internal/gpu"
	"github.com/ternarybob/boltzgen-mcp/internal/jobs"
	"github.com/ternarybob/boltzgen-mcp/internal/services/design"
)

var (
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		common.PrintBanner(common.GetFullVersion())
		os.Exit(0)
	}

	// Load configuration
	configPath := os.Getenv("BOLTZGEN_CONFIG")
	if configPath == "" {
		configPath = "boltzgen-mcp.toml"
	}

	config, err := common.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Minimal console logger for the MCP server; stdio carries the protocol,
	// so anything below warn would clutter the client transcript. File output,
	// when configured, gets the full configured level.
	var logger arbor.ILogger
	if hasFileLogging(config) {
		logger = common.InitLogger(config)
	} else {
		logger = arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
			Type:             arbor_models.LogWriterTypeConsole,
			TimeFormat:       "15:04:05",
			DisableTimestamp: false,
		}).WithLevelFromString("warn")
	}

	deviceIDs := config.Queue.GPUIDs
	if len(deviceIDs) == 0 {
		deviceIDs = gpu.DetectDevices(logger)
	}

	store, err := jobs.NewStore(config.Queue.JobsDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize job store")
	}

	supervisor := jobs.NewSupervisor(config.Scripts.Dir, logger)
	queue := jobs.NewQueue(jobs.Options{
		MaxWorkers:  config.Queue.MaxWorkers,
		DeviceIDs:   deviceIDs,
		EvictionAge: config.EvictionAgeDuration(),
	}, store, supervisor, logger)
	defer queue.Shutdown()

	runner := jobs.NewRunner(config.Scripts.Dir, logger)
	inspector := jobs.NewInspector(logger)
	designService := design.NewService(queue, runner, inspector, config.Scripts.Dir, logger)

	// Create MCP server
	mcpServer := server.NewMCPServer(
		"boltzgen",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Register design tools
	mcpServer.AddTool(createSubmitTool(), handleSubmit(designService, logger))
	mcpServer.AddTool(createRunTool(), handleRun(designService, logger))
	mcpServer.AddTool(createCheckStatusTool(), handleCheckStatus(designService, logger))

	// Register queue tools
	mcpServer.AddTool(createJobStatusTool(), handleJobStatus(designService, logger))
	mcpServer.AddTool(createQueueStatusTool(), handleQueueStatus(designService, logger))
	mcpServer.AddTool(createCancelJobTool(), handleCancelJob(designService, logger))
	mcpServer.AddTool(createConfigureQueueTool(), handleConfigureQueue(designService, logger))
	mcpServer.AddTool(createResourceStatusTool(), handleResourceStatus(designService, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}

func hasFileLogging(config *common.Config) bool {
	for _, output := range config.Logging.Output {
		if output == "file" {
			return true
		}
	}
	return false
}
