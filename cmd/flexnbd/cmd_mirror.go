package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror [flags] <ip> <port> [bind-ip] [bps-limit] [exit|nothing]",
	Short: "Start a live mirror to an upstream server",
	Long: `mirror sends a mirror command to a running server's control socket
(spec.md §4.7's "mirror <ip> <port> [<bind_ip> [<bps_limit> [exit|nothing]]]"),
instructing it to replicate its backing file to the given upstream.`,
	Args: cobra.RangeArgs(2, 5),
	RunE: runMirror,
}

func init() {
	mirrorCmd.Flags().StringP("sock", "s", "", "control socket path (required)")
	viper.BindPFlag("mirror.sock", mirrorCmd.Flags().Lookup("sock"))

	rootCmd.AddCommand(mirrorCmd)
}

func runMirror(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	if sock == "" {
		return ErrMissingSock
	}
	if _, err := strconv.Atoi(args[1]); err != nil {
		return fmt.Errorf("bad port %q: %w", args[1], err)
	}

	reply, err := sendControlCommand(sock, "mirror", args...)
	if err != nil {
		return err
	}

	fmt.Println(reply)
	if !strings.HasPrefix(reply, "0:") {
		return ErrControlDenied
	}
	return nil
}
