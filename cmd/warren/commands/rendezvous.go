package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/rendezvous"
	"github.com/spf13/cobra"
)

var (
	rendezvousAddr string
	rendezvousIP   string
)

var rendezvousCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "Serve the rendezvous service until interrupted",
	Long: `Rendezvous runs a standalone rendezvous service that ranks join through.

Use it when no rank should host the service itself. With --ip the service
listens on the first free port at or above 3000 of that local interface,
and the chosen address is printed for the ranks to use.`,
	Args: cobra.NoArgs,
	RunE: runRendezvous,
}

func init() {
	rendezvousCmd.Flags().StringVar(&rendezvousAddr, "addr", "", "host:port to listen on")
	rendezvousCmd.Flags().StringVar(&rendezvousIP, "ip", "", "Local interface IPv4 address; a free port is chosen")
	rendezvousCmd.MarkFlagsMutuallyExclusive("addr", "ip")
	rendezvousCmd.MarkFlagsOneRequired("addr", "ip")
	rootCmd.AddCommand(rendezvousCmd)
}

func runRendezvous(cmd *cobra.Command, args []string) error {
	var (
		srv *rendezvous.Server
		err error
	)
	if rendezvousIP != "" {
		srv, err = rendezvous.StartOnLocalIP(rendezvousIP)
	} else {
		srv, err = rendezvous.Start(rendezvousAddr)
	}
	if err != nil {
		return printer.Error("failed to start rendezvous service", err.Error(), nil)
	}
	defer srv.Close()

	printer.Success("Rendezvous service listening on %s\n", srv.Addr())
	printer.Info("Set rendezvous.address (or WARREN_RENDEZVOUS) to %s on every rank. Press Ctrl-C to stop.\n", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
