package main

import (
	"fmt"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tengine/internal/transport"
)

func newProbeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "probe [liveness|readiness]",
		Short:     "Ask a running engine for its health",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{transport.ServiceLiveness, transport.ServiceReadiness},
		RunE: func(cmd *cobra.Command, args []string) error {
			service := transport.ServiceReadiness
			if len(args) == 1 {
				service = args[0]
			}
			c, err := transport.Dial(flags.addr)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Check(cmd.Context(), service)
			if err != nil {
				return describeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", service, st)
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s check failed", service)
			}
			return nil
		},
	}
}
