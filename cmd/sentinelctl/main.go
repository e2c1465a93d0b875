// Command sentinelctl is the operator tool for a running sentinel.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
)

var (
	endpointFlag = &cli.StringFlag{
		Name:    "endpoint",
		Usage:   "base URL of the sentinel HTTP API",
		Value:   "http://localhost:8080",
		EnvVars: []string{"SENTINEL_API"},
	}
	callerFlag = &cli.StringFlag{
		Name:    "caller",
		Usage:   "identity sent for privileged operations",
		EnvVars: []string{"SENTINEL_CALLER"},
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "request timeout",
		Value: 2 * time.Minute,
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "maximum number of cycles to list",
		Value: 20,
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "sentinelctl",
		Usage:   "inspect and override a DeFi threat sentinel",
		Version: version.String(),
		Flags:   []cli.Flag{endpointFlag, callerFlag, timeoutFlag},
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "show protective state of a protocol",
				ArgsUsage: "<protocol-address>",
				Action:    protocolAction("GET", "/status"),
			},
			{
				Name:      "cycle",
				Usage:     "run one evaluation cycle for a protocol now",
				ArgsUsage: "<protocol-address>",
				Action:    protocolAction("POST", "/cycle"),
			},
			{
				Name:      "pause",
				Usage:     "place an emergency pause on a protocol (guardian only)",
				ArgsUsage: "<protocol-address>",
				Action:    protocolAction("POST", "/emergency-pause"),
			},
			{
				Name:      "unpause",
				Usage:     "lift the emergency pause on a protocol (guardian only)",
				ArgsUsage: "<protocol-address>",
				Action:    protocolAction("DELETE", "/emergency-pause"),
			},
			{
				Name:      "report",
				Usage:     "show a stored threat report",
				ArgsUsage: "<report-id>",
				Action: func(c *cli.Context) error {
					id, err := arg(c, "report id")
					if err != nil {
						return err
					}
					return newAPIClient(c).call(c, "GET", "/api/v1/reports/"+id)
				},
			},
			{
				Name:      "lift",
				Usage:     "lift the action taken for a report",
				ArgsUsage: "<report-id>",
				Action: func(c *cli.Context) error {
					id, err := arg(c, "report id")
					if err != nil {
						return err
					}
					return newAPIClient(c).call(c, "POST", "/api/v1/reports/"+id+"/lift")
				},
			},
			{
				Name:      "budget",
				Usage:     "show an agent's action budget for the current epoch",
				ArgsUsage: "<agent-id>",
				Action: func(c *cli.Context) error {
					id, err := arg(c, "agent id")
					if err != nil {
						return err
					}
					return newAPIClient(c).call(c, "GET", "/api/v1/agents/"+id+"/budget")
				},
			},
			{
				Name:  "cycles",
				Usage: "list recent evaluation cycles",
				Flags: []cli.Flag{limitFlag},
				Action: func(c *cli.Context) error {
					return newAPIClient(c).call(c, "GET", fmt.Sprintf("/api/v1/cycles?limit=%d", c.Int(limitFlag.Name)))
				},
			},
			{
				Name:      "score",
				Usage:     "score a telemetry frame file with the heuristic analyzer, locally",
				ArgsUsage: "<frame.json>",
				Action:    scoreFrame,
			},
		},
	}
}

func protocolAction(method, suffix string) cli.ActionFunc {
	return func(c *cli.Context) error {
		addr, err := arg(c, "protocol address")
		if err != nil {
			return err
		}
		return newAPIClient(c).call(c, method, "/api/v1/protocols/"+addr+suffix)
	}
}

func arg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("expected exactly one argument: %s", name), 2)
	}
	return c.Args().First(), nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
