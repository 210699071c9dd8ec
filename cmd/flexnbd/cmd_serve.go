package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/acl"
	"github.com/flexnbd/flexnbd/pkg/control"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags] [acl-entry...]",
	Short: "Serve a backing file over NBD",
	Long: `Serve starts the NBD listener (and, if --sock is set, the control
socket) against a backing file. Trailing positional arguments are
ACL entries (textual CIDR), matching spec.md §6's "Trailing positional
arguments on serve and acl are ACL entries."`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "l", "0.0.0.0", "listen address")
	serveCmd.Flags().IntP("port", "p", 10809, "listen port")
	serveCmd.Flags().StringP("file", "f", "", "backing file (required)")
	serveCmd.Flags().StringP("sock", "s", "", "control socket path (optional)")
	serveCmd.Flags().Bool("deny-by-default", false, "reject connections not matched by an ACL entry")
	serveCmd.Flags().String("audit-log", "", "JSONL audit log path (optional)")
	serveCmd.Flags().String("acl-file", "", "YAML ACL bootstrap file, read once at startup (optional)")

	viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("serve.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("serve.file", serveCmd.Flags().Lookup("file"))
	viper.BindPFlag("serve.sock", serveCmd.Flags().Lookup("sock"))
	viper.BindPFlag("serve.deny_by_default", serveCmd.Flags().Lookup("deny-by-default"))
	viper.BindPFlag("serve.audit_log", serveCmd.Flags().Lookup("audit-log"))
	viper.BindPFlag("serve.acl_file", serveCmd.Flags().Lookup("acl-file"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	file, _ := cmd.Flags().GetString("file")
	sock, _ := cmd.Flags().GetString("sock")
	denyByDefault, _ := cmd.Flags().GetBool("deny-by-default")
	auditLog, _ := cmd.Flags().GetString("audit-log")
	aclFilePath, _ := cmd.Flags().GetString("acl-file")

	if file == "" {
		return ErrMissingFile
	}

	entries, err := acl.ParseEntries(args)
	if err != nil {
		return errx.Wrap(ErrBuildServer, err)
	}

	if aclFilePath != "" {
		fileEntries, fileDefaultDeny, err := server.LoadACLFile(aclFilePath)
		if err != nil {
			return errx.Wrap(ErrBuildServer, err)
		}
		entries = append(entries, fileEntries...)
		denyByDefault = denyByDefault || fileDefaultDeny
	}

	serverID := uuid.NewString()

	var emitter *logging.Emitter
	if auditLog != "" {
		w, err := logging.NewJSONLWriter(auditLog)
		if err != nil {
			return errx.Wrap(ErrBuildServer, err)
		}
		defer w.Close()
		emitter = logging.NewEmitter(logging.EmitterConfig{ServerID: serverID}, w)
	}

	cfg := server.Config{
		ListenAddr:  net.JoinHostPort(addr, fmt.Sprintf("%d", port)),
		ControlAddr: sock,
		BackingFile: file,
		ACLEntries:  entries,
		DefaultDeny: denyByDefault,
		ServerID:    serverID,
		Emitter:     emitter,
	}

	srv, err := server.New(cfg)
	if err != nil {
		return errx.Wrap(ErrBuildServer, err)
	}

	if sock != "" {
		ctl := control.New(srv)
		srv.SetControlHandler(ctl.Handle)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down", "id", srv.ID())
		_ = srv.Close()
	}()

	srv.Serve()
	return nil
}
