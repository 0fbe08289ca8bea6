package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/cryoclim/hrwsi/config"
	"github.com/cryoclim/hrwsi/jobspec"
	"github.com/cryoclim/hrwsi/launcher"
	"github.com/cryoclim/hrwsi/nomadjob"
	"github.com/cryoclim/hrwsi/objstore"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/secrets"
	"github.com/cryoclim/hrwsi/store"
)

// launcherConfig carries the settings both launcher commands share.
type launcherConfig struct {
	baseConfig
	Flavour string `long:"flavour" env:"LAUNCHER_FLAVOUR" required:"true" description:"Routine flavour served by this launcher"`

	Nomad struct {
		Addr  string `long:"addr" env:"NOMAD_ADDR" default:"http://127.0.0.1:4646" description:"Nomad server address"`
		Token string `long:"token" env:"NOMAD_TOKEN" required:"true" description:"Nomad ACL token"`
	} `group:"Nomad" namespace:"nomad"`

	Vault struct {
		Addr  string `long:"addr" env:"VAULT_ADDR" required:"true" description:"Vault server address"`
		Token string `long:"token" env:"VAULT_TOKEN" required:"true" description:"Vault token"`
		Mount string `long:"mount" env:"VAULT_MOUNT" default:"secrets" description:"KV v2 mount of the service secrets"`
	} `group:"Vault" namespace:"vault"`
}

func (c *launcherConfig) build(ctx context.Context, st *store.Store, folder *config.Folder, mode products.RunMode) (*launcher.Launcher, error) {
	flavour, ok := products.ParseFlavour(c.Flavour)
	if !ok {
		return nil, fmt.Errorf("unknown flavour %q", c.Flavour)
	}

	nomad, err := nomadjob.NewClient(c.Nomad.Addr, c.Nomad.Token)
	if err != nil {
		return nil, err
	}
	vault, err := secrets.NewClient(c.Vault.Addr, c.Vault.Token, c.Vault.Mount)
	if err != nil {
		return nil, err
	}

	files, err := c.loadFiles(ctx, vault)
	if err != nil {
		return nil, err
	}
	hrwsiBucket, err := bucketClient(ctx, vault, "s3cfg_HRWSI")
	if err != nil {
		return nil, err
	}
	eodataBucket, err := bucketClient(ctx, vault, "s3cfg_EODATA")
	if err != nil {
		return nil, err
	}

	return &launcher.Launcher{
		Store:      st,
		Nomad:      nomad,
		Renderer:   &jobspec.Renderer{HRWSI: hrwsiBucket, EOData: eodataBucket},
		Config:     folder,
		Flavour:    flavour,
		Mode:       mode,
		NomadToken: c.Nomad.Token,
		Files:      files,
	}, nil
}

// loadFiles reads the deployment files inlined into every job specification
// and personalizes the worker script with the registry credentials.
func (c *launcherConfig) loadFiles(ctx context.Context, vault *secrets.Client) (jobspec.Files, error) {
	var files jobspec.Files
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{".s3cfg_HRWSI", &files.S3CfgHRWSI},
		{".s3cfg_EODATA", &files.S3CfgEOData},
		{".s3cfg_CATALOGUE", &files.S3CfgCatalogue},
		{"worker_script.sh", &files.WorkerScript},
	} {
		raw, err := os.ReadFile(filepath.Join(c.ConfigDir, f.name))
		if err != nil {
			return files, fmt.Errorf("reading %s: %w", f.name, err)
		}
		*f.dst = string(raw)
	}

	registry, err := vault.Read(ctx, "gitlab")
	if err != nil {
		return files, err
	}
	files.WorkerScript = jobspec.PersonalizeWorkerScript(files.WorkerScript, registry)
	return files, nil
}

func bucketClient(ctx context.Context, vault *secrets.Client, secret string) (*objstore.Client, error) {
	data, err := vault.Read(ctx, secret)
	if err != nil {
		return nil, err
	}
	creds, err := objstore.CredentialsFromSecret(data)
	if err != nil {
		return nil, fmt.Errorf("secret %q: %w", secret, err)
	}
	return objstore.NewClient(ctx, creds)
}

type cmdLauncher struct {
	launcherConfig
}

func (c *cmdLauncher) Execute([]string) error {
	return c.run(func(ctx context.Context, st *store.Store, folder *config.Folder) error {
		l, err := c.build(ctx, st, folder, products.RunModeNRT)
		if err != nil {
			return err
		}
		log.WithField("flavour", l.Flavour).Info("launcher starting")
		return l.Run(ctx)
	})
}

type cmdArchiveLauncher struct {
	launcherConfig
}

func (c *cmdArchiveLauncher) Execute([]string) error {
	return c.run(func(ctx context.Context, st *store.Store, folder *config.Folder) error {
		l, err := c.build(ctx, st, folder, products.RunModeArchive)
		if err != nil {
			return err
		}
		log.WithField("flavour", l.Flavour).Info("archive launcher starting")
		return l.RunArchive(ctx)
	})
}
