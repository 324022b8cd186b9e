package ctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nixfleet/services/status"
)

// NewRootCommand assembles the fleetctl command tree.
func NewRootCommand() *cobra.Command {
	var endpoints Endpoints

	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operator tool for the nixfleet control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&endpoints.Status, "status-url", envOr("FLEET_STATUS_URL", "http://localhost:8083"), "Base URL of the status service")
	cmd.PersistentFlags().StringVar(&endpoints.Evald, "evald-url", envOr("FLEET_EVALD_URL", "http://localhost:8081"), "Base URL of the evaluation daemon")
	cmd.PersistentFlags().StringVar(&endpoints.Scanner, "scanner-url", envOr("FLEET_SCANNER_URL", "http://localhost:8082"), "Base URL of the scanner service")

	client := func() *Client { return NewClient(endpoints) }

	cmd.AddCommand(newStatusCommand(client))
	cmd.AddCommand(newSummaryCommand(client))
	cmd.AddCommand(newQueueCommand(client))
	cmd.AddCommand(newRequeueCommand(client))
	cmd.AddCommand(newCancelCommand(client))
	cmd.AddCommand(newRescanCommand(client))
	cmd.AddCommand(newCVECommand(client))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newStatusCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status [hostname]",
		Short: "Show drift classification per host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if len(args) == 1 {
				var st status.HostStatus
				if err := c.getJSON(cmd.Context(), c.statusURL("/v1/hosts/"+args[0]+"/status"), &st); err != nil {
					return err
				}
				return renderHostStatuses(cmd.OutOrStdout(), []status.HostStatus{st})
			}
			var statuses []status.HostStatus
			if err := c.getJSON(cmd.Context(), c.statusURL("/v1/hosts/status"), &statuses); err != nil {
				return err
			}
			return renderHostStatuses(cmd.OutOrStdout(), statuses)
		},
	}
}

func newSummaryCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show fleet-wide classification counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var s status.FleetSummary
			if err := c.getJSON(cmd.Context(), c.statusURL("/v1/fleet/summary"), &s); err != nil {
				return err
			}
			return renderSummary(cmd.OutOrStdout(), s)
		},
	}
}

func newQueueCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show evaluation queue depth and breakdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var q status.QueueReport
			if err := c.getJSON(cmd.Context(), c.statusURL("/v1/queue"), &q); err != nil {
				return err
			}
			return renderQueue(cmd.OutOrStdout(), q)
		},
	}
}

func newRequeueCommand(client func() *Client) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "requeue <evaluation-id>",
		Short: "Return a terminal evaluation target to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			body := struct {
				Force bool `json:"force"`
			}{Force: force}
			var out map[string]string
			if err := c.postJSON(cmd.Context(), c.evaldURL("/v1/evaluations/"+args[0]+"/requeue"), body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evaluation %s requeued\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Requeue even if the target already completed")
	return cmd
}

func newCancelCommand(client func() *Client) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <evaluation-id>",
		Short: "Abandon a pending or running evaluation target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			body := struct {
				Reason string `json:"reason"`
			}{Reason: reason}
			var out map[string]string
			if err := c.postJSON(cmd.Context(), c.evaldURL("/v1/evaluations/"+args[0]+"/cancel"), body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evaluation %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Optional cancellation note")
	return cmd
}

func newRescanCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan <artifact-hash>",
		Short: "Trigger a fresh vulnerability scan of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var out map[string]string
			if err := c.postJSON(cmd.Context(), c.scannerURL("/v1/artifacts/"+args[0]+"/rescan"), nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rescan of %s started\n", args[0])
			return nil
		},
	}
}

func newCVECommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cve <environment>",
		Short: "Show effective vulnerability findings for an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var s status.CVESummary
			if err := c.getJSON(cmd.Context(), c.statusURL("/v1/environments/"+args[0]+"/cve"), &s); err != nil {
				return err
			}
			return renderCVESummary(cmd.OutOrStdout(), s)
		},
	}
}
