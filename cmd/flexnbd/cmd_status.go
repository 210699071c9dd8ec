package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [flags]",
	Short: "Print a running server's status snapshot",
	Long: `status sends the status command to a running server's control
socket and prints the returned snapshot line (spec.md §4.9).`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringP("sock", "s", "", "control socket path (required)")
	viper.BindPFlag("status.sock", statusCmd.Flags().Lookup("sock"))

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	if sock == "" {
		return ErrMissingSock
	}

	reply, err := sendControlCommand(sock, "status")
	if err != nil {
		return err
	}

	if !strings.HasPrefix(reply, "0:") {
		fmt.Println(reply)
		return ErrControlDenied
	}
	fmt.Println(strings.TrimPrefix(reply, "0: "))
	return nil
}
