package jobspec

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/products"
)

func TestRenderSubstitutesEveryPlaceholder(t *testing.T) {
	group, workerGroup := Groups(products.RunModeNRT)
	jobUUID := uuid.New()

	hcl := Render(Params{
		TaskID:          42,
		ValidationID:    7,
		Group:           group,
		WorkerGroup:     workerGroup,
		Flavour:         products.FlavourEO1Large,
		Routine:         products.RoutineFSC,
		DockerImage:     "registry.example.com/wsi/fsc:2.1",
		RAM:             8000,
		DurationMinutes: 90,
		ProductType:     products.S2FSCL2B,
		InputID:         "SENTINEL2B_20201215-103755-817_L2A_T32TMS_C_V1-0",
		InputPath:       "s3://HRWSI-INTERMEDIATE-RESULTS/L2A/32TMS/2020/12/15/SENTINEL2B_20201215-103755-817_L2A_T32TMS_C_V1-0",
		JobUUID:         jobUUID,
		NomadToken:      "secret-token",
		StartTime:       time.Date(2021, 2, 12, 10, 40, 21, 0, time.UTC),
		RoutineConfig:   "date: \"20201215\"",
		Files: Files{
			S3CfgHRWSI:     "[default]\naccess_key = AK",
			S3CfgEOData:    "[default]\naccess_key = EK",
			S3CfgCatalogue: "[default]\naccess_key = CK",
			WorkerScript:   "#!/bin/bash\necho run",
		},
	})

	require.Contains(t, hcl, `job "processing_task_42"`)
	require.Contains(t, hcl, `task "processing_task_42"`)
	require.Contains(t, hcl, `group "nrt-3h"`)
	require.Contains(t, hcl, `value     = "worker-nrt"`)
	require.Contains(t, hcl, `memory = "8000"`)
	require.Contains(t, hcl, `kill_timeout = "180s"`)
	require.Contains(t, hcl, `NOMAD_TOKEN = "secret-token"`)
	require.Contains(t, hcl, "processing_task_id: 42")
	require.Contains(t, hcl, "trigger_validation_id: 7")
	require.Contains(t, hcl, "product_type_code: S2_FSC_L2B")
	require.Contains(t, hcl, "nomad_job_uuid: "+jobUUID.String())
	require.Contains(t, hcl, "start_time: 2021-02-12 10:40:21")
	require.Contains(t, hcl, "date: \"20201215\"")
	require.Contains(t, hcl, "access_key = EK")
	require.Contains(t, hcl, "echo run")
	// The hostname constraint reuses the flavour.
	require.Contains(t, hcl, `value     = "^eo1.large.*"`)

	// Nomad's own interpolations survive rendering.
	require.Contains(t, hcl, `"${ENV}"`)
	require.Contains(t, hcl, `"${meta.group}"`)
	require.Contains(t, hcl, `"${attr.unique.hostname}"`)

	// Nothing placeholder-shaped remains.
	for _, leftover := range []string{
		"processing_task_name", "flavour_content", "image_docker",
		"routine_config", "wait_script", "s3cmd_hrwsi_config",
	} {
		require.NotContains(t, hcl, leftover)
	}
}

func TestGroupsPerRunMode(t *testing.T) {
	group, worker := Groups(products.RunModeArchive)
	require.Equal(t, "archive", group)
	require.Equal(t, "worker-archive", worker)

	group, worker = Groups(products.RunModeNRT)
	require.Equal(t, "nrt-3h", group)
	require.Equal(t, "worker-nrt", worker)
}

func TestPersonalizeWorkerScript(t *testing.T) {
	script := strings.Join([]string{
		"docker login -u {container_registry_username} -p {container_registry_token}",
		"docker pull {container_registry_address}wsi/fsc:2.1",
	}, "\n")

	got := PersonalizeWorkerScript(script, map[string]string{
		"container_registry_username": "robot",
		"container_registry_address":  "registry.example.com",
		"container_registry_token":    "tok",
	})
	require.Contains(t, got, "-u robot -p tok")
	require.Contains(t, got, "docker pull registry.example.com/wsi/fsc:2.1")
	require.NotContains(t, got, "{container_registry")
}
