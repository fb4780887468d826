package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/inkwell/api"
	"github.com/pithecene-io/inkwell/cli/config"
)

// defaultConfigFile is picked up from the working directory when no
// --config flag is given.
const defaultConfigFile = "inkwell.yaml"

// loadConfig resolves the config file. An explicit --config that does not
// exist is an error; the implicit default is optional.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(defaultConfigFile)
	}
	return &config.Config{}, nil
}

// newClient builds the job control client from flags and config.
// Flags override config values.
func newClient(c *cli.Context, cfg *config.Config) (*api.Client, error) {
	baseURL := cfg.Server.BaseURL
	if s := c.String("server"); s != "" {
		baseURL = s
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no server configured: set --server or server.base_url in %s", defaultConfigFile)
	}

	token := cfg.Server.AuthToken
	if t := c.String("auth-token"); t != "" {
		token = t
	}

	apiCfg := api.Config{
		BaseURL:   baseURL,
		AuthToken: token,
		Timeout:   cfg.Server.Timeout.Duration,
	}
	if cfg.Server.Retries != nil {
		apiCfg.Retries = *cfg.Server.Retries
	}
	return api.New(apiCfg)
}

// authToken resolves the effective bearer token.
func authToken(c *cli.Context, cfg *config.Config) string {
	if t := c.String("auth-token"); t != "" {
		return t
	}
	return cfg.Server.AuthToken
}

// isTTY returns true if the file is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
