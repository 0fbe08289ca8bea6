// Package jobspec renders Nomad batch job specifications for processing
// tasks: the HCL job wrapper and the per-routine YAML configuration that
// workers read at startup.
package jobspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cryoclim/hrwsi/products"
)

// hclTemplate is the skeleton of every worker job. Placeholders are plain
// words substituted by Render; the heredoc bodies receive whole file
// contents.
const hclTemplate = `
job "processing_task_name" {
  type = "batch"

  reschedule {
    attempts = 0
    unlimited = false
  }

  group "processing_task_group" {
    constraint {
      attribute = "${meta.group}"
      value     = "worker-group"
    }

    restart {
      attempts = 0
      mode     = "fail"
    }

    task "processing_task_name" {
      resources {
        memory = "ram"
      }

      kill_timeout = "timeout_max"
      driver       = "raw_exec"

      config {
        command = "/bin/bash"
        args    = ["-c", "./local/worker_script.sh", "${ENV}"]
      }

      logs {
        max_files     = 10
        max_file_size = 10
        disabled      = false
      }

      env {
        NOMAD_TOKEN = "${NOMAD_TOKEN}"
      }

      template {
        destination = "/local/task_config.yaml"
        data        = <<EOF
routine_config
flavour: flavour_content
processing_task_id: id_processing_task
input_id: id_of_input
processing_routine_name: name_of_processing_routine
input_path: path_of_input
docker_image: image_docker
nomad_job_uuid: uuid_job
trigger_validation_id: id_trigger_validation
product_type_code: code_product_type
out_code: code_out
start_time: time_of_starting
EOF
      }

      template {
        destination = "/local/s3cfg_HRWSI.txt"
        data        = <<EOF
s3cmd_hrwsi_config
EOF
      }

      template {
        destination = "/local/s3cfg_EODATA.txt"
        data        = <<EOF
s3cmd_eodata_config
EOF
      }

      template {
        destination = "/local/s3cfg_CATALOGUE.txt"
        data        = <<EOF
s3cmd_catalogue_config
EOF
      }

      template {
        destination = "/local/worker_script.sh"
        perms       = "0777"
        data        = <<EOF
wait_script
EOF
      }

      service {
        name     = "processing-routine"
        provider = "nomad"
      }
    }
  }

  constraint {
    attribute = "${attr.unique.hostname}"
    operator  = "regexp"
    value     = "^flavour_content.*"
  }
}
`

// Files holds deployment-provided file contents that are inlined into the
// job specification.
type Files struct {
	S3CfgHRWSI     string
	S3CfgEOData    string
	S3CfgCatalogue string
	WorkerScript   string
}

// PersonalizeWorkerScript substitutes the container registry credentials
// into the worker script. The secret is the Vault "gitlab" entry.
func PersonalizeWorkerScript(script string, secret map[string]string) string {
	script = strings.ReplaceAll(script, "{container_registry_username}", secret["container_registry_username"])
	script = strings.ReplaceAll(script, "{container_registry_address}", secret["container_registry_address"]+"/")
	script = strings.ReplaceAll(script, "{container_registry_token}", secret["container_registry_token"])
	return script
}

// Groups returns the Nomad task group and the worker pool constraint of a
// run mode.
func Groups(mode products.RunMode) (group, workerGroup string) {
	if mode == products.RunModeArchive {
		return "archive", "worker-archive"
	}
	return "nrt-3h", "worker-nrt"
}

// Params collects everything Render substitutes into the job skeleton.
type Params struct {
	TaskID       int64
	ValidationID int64
	Group        string
	WorkerGroup  string
	Flavour      products.Flavour
	Routine      string
	DockerImage  string
	RAM          int
	// DurationMinutes is the routine's nominal run time. The job kill
	// timeout is twice this value.
	DurationMinutes int
	ProductType     products.Type
	InputID         string
	InputPath       string
	JobUUID         uuid.UUID
	NomadToken      string
	StartTime       time.Time
	// RoutineConfig is the rendered YAML configuration document.
	RoutineConfig string
	Files         Files
}

// JobName is the Nomad job identifier of a processing task.
func JobName(taskID int64) string {
	return fmt.Sprintf("processing_task_%d", taskID)
}

// Render produces the complete HCL job specification. All placeholder
// substitutions happen in one pass, so placeholder-looking text inside the
// inlined files is left alone.
func Render(p Params) string {
	timeout := fmt.Sprintf("%ds", p.DurationMinutes*2)

	return strings.NewReplacer(
		"processing_task_name", JobName(p.TaskID),
		"processing_task_group", p.Group,
		"worker-group", p.WorkerGroup,
		"flavour_content", string(p.Flavour),
		"image_docker", p.DockerImage,
		"name_of_processing_routine", p.Routine,
		"timeout_max", timeout,
		"ram", fmt.Sprint(p.RAM),
		"${NOMAD_TOKEN}", p.NomadToken,
		"id_processing_task", fmt.Sprint(p.TaskID),
		"id_trigger_validation", fmt.Sprint(p.ValidationID),
		"code_product_type", string(p.ProductType),
		"id_of_input", p.InputID,
		"path_of_input", p.InputPath,
		"uuid_job", p.JobUUID.String(),
		"code_out", string(p.ProductType),
		"time_of_starting", p.StartTime.UTC().Format("2006-01-02 15:04:05"),
		"routine_config", p.RoutineConfig,
		"s3cmd_hrwsi_config", p.Files.S3CfgHRWSI,
		"s3cmd_eodata_config", p.Files.S3CfgEOData,
		"s3cmd_catalogue_config", p.Files.S3CfgCatalogue,
		"wait_script", p.Files.WorkerScript,
	).Replace(hclTemplate)
}
