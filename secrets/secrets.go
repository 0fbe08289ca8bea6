// Package secrets reads service credentials from Vault's KV v2 engine.
package secrets

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	vault "github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"
)

// Client reads string secrets from one KV v2 mount.
type Client struct {
	kv         *vault.KVv2
	retryDelay time.Duration
}

// NewClient authenticates against Vault at addr with token and targets the
// given KV v2 mount (the deployment uses "secrets").
func NewClient(addr, token, mount string) (*Client, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr

	vc, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("building vault client: %w", err)
	}
	vc.SetToken(token)

	// Fail at startup rather than at first dispatch.
	if _, err = vc.Auth().Token().LookupSelf(); err != nil {
		return nil, fmt.Errorf("vault token lookup: %w", err)
	}
	log.WithField("mount", mount).Info("vault client authenticated")
	return &Client{kv: vc.KVv2(mount), retryDelay: 2 * time.Second}, nil
}

// Read fetches a secret's key/value pairs, retrying transient failures.
func (c *Client) Read(ctx context.Context, name string) (map[string]string, error) {
	var out map[string]string
	err := retry.Do(func() error {
		secret, err := c.kv.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("reading secret %q: %w", name, err)
		}
		out = make(map[string]string, len(secret.Data))
		for k, v := range secret.Data {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("secret %q key %q is not a string", name, k)
			}
			out[k] = s
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
