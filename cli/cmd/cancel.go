package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/inkwell/cli/render"
)

// CancelCommand returns the cancel command. Cancellation is
// best-effort: a job that already reached a terminal state is treated
// as successfully canceled.
func CancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a running generation job",
		ArgsUsage: "<job-id>",
		Flags:     SharedFlags(),
		Action:    cancelAction,
	}
}

func cancelAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: inkwell cancel <job-id>", 3)
	}
	jobID := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 3)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), 3)
	}

	client, err := newClient(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 3)
	}

	if err := client.CancelJob(c.Context, client.CancelURLFor(jobID)); err != nil {
		return cli.Exit(fmt.Sprintf("cancel %s: %v", jobID, err), 1)
	}

	if r.Format() == render.FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(map[string]string{"job_id": jobID, "status": "canceled"})
	}
	fmt.Printf("Canceled job %s\n", jobID)
	return nil
}
