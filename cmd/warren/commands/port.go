package commands

import (
	"errors"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/comm"
	"github.com/spf13/cobra"
)

var (
	portIP   string
	portBase int
	portList bool
)

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Find a free TCP port on a local interface",
	Long: `Port probes TCP ports on the given local IP, starting at the base port,
and prints the first one that can be bound.

The port is released again before the command exits, so another process may
take it before you use it.

Use --list to print the IPv4 addresses of the local non-loopback interfaces.`,
	Args: cobra.NoArgs,
	RunE: runPort,
}

func init() {
	portCmd.Flags().StringVar(&portIP, "ip", "", "Local interface IPv4 address to probe")
	portCmd.Flags().IntVar(&portBase, "base", comm.BasePort, "First port to try")
	portCmd.Flags().BoolVar(&portList, "list", false, "List local interface addresses instead of probing")
	rootCmd.AddCommand(portCmd)
}

func runPort(cmd *cobra.Command, args []string) error {
	if portList {
		ips, err := comm.LocalHostIPs()
		if err != nil {
			return printer.Error("failed to list interfaces", err.Error(), nil)
		}
		for _, ip := range ips {
			printer.Println(ip)
		}
		return nil
	}

	if portIP == "" {
		return printer.Error("no IP given", "--ip is required to probe for a port.", []string{
			"Run 'warren port --list' to see the local interface addresses",
		})
	}

	port, err := comm.FindAvailablePortFrom(portIP, portBase)
	switch {
	case errors.Is(err, comm.ErrInvalidIP):
		return printer.Error("not a local interface address", err.Error(), []string{
			"Run 'warren port --list' to see the local interface addresses",
		})
	case err != nil:
		return printer.Error("no free port", err.Error(), nil)
	}

	printer.Println(port)
	return nil
}
