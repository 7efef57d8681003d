package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

const protocolDescription = "BoltzGen protocol: protein-anything (default), peptide-anything, " +
	"protein-small_molecule, nanobody-anything, or antibody-anything"

// createSubmitTool returns the boltzgen_submit tool definition
func createSubmitTool() mcp.Tool {
	return mcp.NewTool("boltzgen_submit",
		mcp.WithDescription("Submit a BoltzGen protein design job to the GPU queue and return immediately"),
		mcp.WithString("config",
			mcp.Required(),
			mcp.Description("Path to BoltzGen YAML configuration file"),
		),
		mcp.WithString("output",
			mcp.Required(),
			mcp.Description("Output directory path"),
		),
		mcp.WithString("protocol",
			mcp.Description(protocolDescription),
		),
		mcp.WithNumber("num_designs",
			mcp.Description("Number of designs to generate (default: 10)"),
		),
		mcp.WithNumber("budget",
			mcp.Description("Computational budget parameter (default: 2)"),
		),
		mcp.WithString("job_name",
			mcp.Description("Optional human-readable job name"),
		),
	)
}

// createRunTool returns the boltzgen_run tool definition
func createRunTool() mcp.Tool {
	return mcp.NewTool("boltzgen_run",
		mcp.WithDescription("Run the BoltzGen design pipeline synchronously, bypassing the queue. "+
			"Waits for completion and returns full results; the caller is responsible for device selection."),
		mcp.WithString("config",
			mcp.Required(),
			mcp.Description("Path to BoltzGen YAML configuration file"),
		),
		mcp.WithString("output",
			mcp.Required(),
			mcp.Description("Output directory path"),
		),
		mcp.WithString("protocol",
			mcp.Description(protocolDescription),
		),
		mcp.WithNumber("num_designs",
			mcp.Description("Number of designs to generate (default: 10)"),
		),
		mcp.WithNumber("budget",
			mcp.Description("Computational budget parameter (default: 2)"),
		),
		mcp.WithString("cuda_device",
			mcp.Description("CUDA device ID (e.g., '0' or '1')"),
		),
	)
}

// createCheckStatusTool returns the boltzgen_check_status tool definition
func createCheckStatusTool() mcp.Tool {
	return mcp.NewTool("boltzgen_check_status",
		mcp.WithDescription("Inspect a BoltzGen output directory: run status, design counts, and a summary when finished"),
		mcp.WithString("output_dir",
			mcp.Required(),
			mcp.Description("Path to BoltzGen output directory"),
		),
	)
}

// createJobStatusTool returns the boltzgen_job_status tool definition
func createJobStatusTool() mcp.Tool {
	return mcp.NewTool("boltzgen_job_status",
		mcp.WithDescription("Get the status and queue position of a submitted job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID returned by boltzgen_submit"),
		),
	)
}

// createQueueStatusTool returns the boltzgen_queue_status tool definition
func createQueueStatusTool() mcp.Tool {
	return mcp.NewTool("boltzgen_queue_status",
		mcp.WithDescription("Get the overall queue status: running jobs, queued jobs, and device availability"),
	)
}

// createCancelJobTool returns the boltzgen_cancel_job tool definition
func createCancelJobTool() mcp.Tool {
	return mcp.NewTool("boltzgen_cancel_job",
		mcp.WithDescription("Cancel a queued or running job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID to cancel"),
		),
	)
}

// createConfigureQueueTool returns the boltzgen_configure_queue tool definition
func createConfigureQueueTool() mcp.Tool {
	return mcp.NewTool("boltzgen_configure_queue",
		mcp.WithDescription("Reconfigure the queue's worker count and/or device pool. "+
			"Running jobs are not interrupted; max_workers is clamped to the device count."),
		mcp.WithNumber("max_workers",
			mcp.Description("Maximum concurrent jobs"),
		),
		mcp.WithString("device_ids",
			mcp.Description("Comma-separated device indices, e.g. '0,1'"),
		),
	)
}

// createResourceStatusTool returns the boltzgen_resource_status tool definition
func createResourceStatusTool() mcp.Tool {
	return mcp.NewTool("boltzgen_resource_status",
		mcp.WithDescription("Report device and queue resource usage; verifies devices are freed when idle"),
	)
}
