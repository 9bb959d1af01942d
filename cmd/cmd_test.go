package cmd_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v3"

	"github.com/zhaofengli/attic/cmd"
)

func TestNew_HasExpectedFlags(t *testing.T) {
	t.Parallel()

	c := cmd.New()

	assert.Equal(t, "attic", c.Name)

	for _, name := range []string{"config", "log-level", "otel-enabled", "database-url", "listen", "mode"} {
		assert.NotNil(t, findFlag(c, name), "missing flag %q", name)
	}
}

func findFlag(c *cli.Command, name string) cli.Flag {
	for _, f := range c.Flags {
		for _, n := range f.Names() {
			if n == name {
				return f
			}
		}
	}

	return nil
}

func TestLoadConfig_RoundTripsRequiredFields(t *testing.T) {
	t.Parallel()

	c := cmd.New()

	err := c.Run(context.Background(), []string{
		"attic",
		"--database-url", "sqlite::memory:",
		"--storage-path", t.TempDir(),
		"--mode", "check-config",
		"--jwt-hs256-secret-base64", "c2VjcmV0",
	})
	assert.NoError(t, err)
}
