package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var aclCmd = &cobra.Command{
	Use:   "acl [flags] <entry...>",
	Short: "Replace the ACL on a running server's control socket",
	Long: `acl sends a new set of CIDR entries to a running server's control
socket (spec.md §4.7's "acl <entry>*"), atomically replacing the
currently installed ACL on success.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runACL,
}

func init() {
	aclCmd.Flags().StringP("sock", "s", "", "control socket path (required)")
	viper.BindPFlag("acl.sock", aclCmd.Flags().Lookup("sock"))

	rootCmd.AddCommand(aclCmd)
}

func runACL(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetString("sock")
	if sock == "" {
		return ErrMissingSock
	}

	reply, err := sendControlCommand(sock, "acl", args...)
	if err != nil {
		return err
	}

	fmt.Println(reply)
	if !strings.HasPrefix(reply, "0:") {
		return ErrControlDenied
	}
	return nil
}
