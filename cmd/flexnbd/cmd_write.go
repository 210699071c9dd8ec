package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/wire"
)

var writeCmd = &cobra.Command{
	Use:   "write [flags]",
	Short: "Write stdin to a range on a server",
	RunE:  runWrite,
}

func init() {
	writeCmd.Flags().StringP("addr", "l", "127.0.0.1", "server address")
	writeCmd.Flags().IntP("port", "p", 10809, "server port")
	writeCmd.Flags().Int64P("from", "F", 0, "byte offset")
	writeCmd.Flags().Int64P("size", "S", 0, "number of bytes to write from stdin (required)")

	viper.BindPFlag("write.addr", writeCmd.Flags().Lookup("addr"))
	viper.BindPFlag("write.port", writeCmd.Flags().Lookup("port"))
	viper.BindPFlag("write.from", writeCmd.Flags().Lookup("from"))
	viper.BindPFlag("write.size", writeCmd.Flags().Lookup("size"))

	rootCmd.AddCommand(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	from, _ := cmd.Flags().GetInt64("from")
	size, _ := cmd.Flags().GetInt64("size")
	if size <= 0 {
		return ErrMissingSize
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(os.Stdin, payload); err != nil {
		return errx.Wrap(ErrDialUpstream, err)
	}

	conn, err := dialAndHello(addr, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.Request{Type: wire.Write, Handle: 1, Offset: uint64(from), Length: uint32(size)}
	if _, err := conn.Write(req.Encode()); err != nil {
		return errx.Wrap(ErrDialUpstream, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return errx.Wrap(ErrDialUpstream, err)
	}

	replyBuf := make([]byte, wire.ReplySize)
	if _, err := io.ReadFull(conn, replyBuf); err != nil {
		return errx.Wrap(ErrDialUpstream, err)
	}
	reply, err := wire.DecodeReply(replyBuf)
	if err != nil {
		return errx.Wrap(ErrDialUpstream, err)
	}
	if reply.Error != 0 {
		return errx.With(ErrDialUpstream, "server replied error=%d", reply.Error)
	}
	return nil
}
