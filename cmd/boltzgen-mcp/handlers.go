package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/boltzgen-mcp/internal/services/design"
)

// jsonResult marshals a response object into the tool result payload
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(fmt.Sprintf(`{"status":"error","error_message":%q}`, err.Error())),
			},
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(data)),
		},
	}
}

// errorResult renders an operation failure as the wire error object
func errorResult(err error) *mcp.CallToolResult {
	return jsonResult(map[string]any{
		"status":        "error",
		"error_message": err.Error(),
	})
}

// parseDesignParams extracts the shared submit/run parameters
func parseDesignParams(request mcp.CallToolRequest) (design.DesignParams, error) {
	config, err := request.RequireString("config")
	if err != nil || config == "" {
		return design.DesignParams{}, fmt.Errorf("config parameter is required")
	}
	output, err := request.RequireString("output")
	if err != nil || output == "" {
		return design.DesignParams{}, fmt.Errorf("output parameter is required")
	}
	return design.DesignParams{
		Config:     config,
		Output:     output,
		Protocol:   request.GetString("protocol", "protein-anything"),
		NumDesigns: request.GetInt("num_designs", 10),
		Budget:     request.GetInt("budget", 2),
	}, nil
}

// handleSubmit implements the boltzgen_submit tool
func handleSubmit(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := parseDesignParams(request)
		if err != nil {
			return errorResult(err), nil
		}
		params.JobName = request.GetString("job_name", "")

		result, err := svc.Submit(params)
		if err != nil {
			logger.Error().Err(err).Msg("Submit failed")
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

// handleRun implements the boltzgen_run tool
func handleRun(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := parseDesignParams(request)
		if err != nil {
			return errorResult(err), nil
		}
		params.CudaDevice = request.GetString("cuda_device", "")

		result, err := svc.Run(ctx, params)
		if err != nil {
			logger.Error().Err(err).Msg("Run failed")
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

// handleCheckStatus implements the boltzgen_check_status tool
func handleCheckStatus(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		outputDir, err := request.RequireString("output_dir")
		if err != nil || outputDir == "" {
			return errorResult(fmt.Errorf("output_dir parameter is required")), nil
		}

		result, err := svc.CheckStatus(outputDir)
		if err != nil {
			logger.Error().Err(err).Str("output_dir", outputDir).Msg("Check status failed")
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

// handleJobStatus implements the boltzgen_job_status tool
func handleJobStatus(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return errorResult(fmt.Errorf("job_id parameter is required")), nil
		}

		result, err := svc.JobStatus(jobID)
		if err != nil {
			return jsonResult(map[string]any{"status": "error", "error": err.Error()}), nil
		}
		return jsonResult(result), nil
	}
}

// handleQueueStatus implements the boltzgen_queue_status tool
func handleQueueStatus(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := svc.QueueStatus()
		if err != nil {
			logger.Error().Err(err).Msg("Queue status failed")
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

// handleCancelJob implements the boltzgen_cancel_job tool
func handleCancelJob(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return errorResult(fmt.Errorf("job_id parameter is required")), nil
		}
		return jsonResult(svc.Cancel(jobID)), nil
	}
}

// handleConfigureQueue implements the boltzgen_configure_queue tool
func handleConfigureQueue(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		var maxWorkers *int
		if _, present := args["max_workers"]; present {
			mw := request.GetInt("max_workers", 0)
			maxWorkers = &mw
		}
		deviceIDs := request.GetString("device_ids", "")

		result, err := svc.ConfigureQueue(maxWorkers, deviceIDs)
		if err != nil {
			logger.Error().Err(err).Msg("Configure queue failed")
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

// handleResourceStatus implements the boltzgen_resource_status tool
func handleResourceStatus(svc *design.Service, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := svc.ResourceStatus()
		if err != nil {
			logger.Error().Err(err).Msg("Resource status failed")
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}
