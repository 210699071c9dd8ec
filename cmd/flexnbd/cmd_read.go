package main

import (
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/wire"
)

// readCmd and writeCmd are the free-standing NBD client subcommands
// spec.md §1 scopes out of the server's core subsystems but still
// names in its CLI surface (§6). They implement just enough of the
// wire protocol (via pkg/wire) to exercise a running server from the
// command line; no retry, pipelining, or block-size negotiation beyond
// a single request is in scope.
var readCmd = &cobra.Command{
	Use:   "read [flags]",
	Short: "Read a range from a server and write it to stdout",
	RunE:  runRead,
}

func init() {
	readCmd.Flags().StringP("addr", "l", "127.0.0.1", "server address")
	readCmd.Flags().IntP("port", "p", 10809, "server port")
	readCmd.Flags().Int64P("from", "F", 0, "byte offset")
	readCmd.Flags().Int64P("size", "S", 0, "number of bytes to read (required)")

	viper.BindPFlag("read.addr", readCmd.Flags().Lookup("addr"))
	viper.BindPFlag("read.port", readCmd.Flags().Lookup("port"))
	viper.BindPFlag("read.from", readCmd.Flags().Lookup("from"))
	viper.BindPFlag("read.size", readCmd.Flags().Lookup("size"))

	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	from, _ := cmd.Flags().GetInt64("from")
	size, _ := cmd.Flags().GetInt64("size")
	if size <= 0 {
		return ErrMissingSize
	}

	conn, err := dialAndHello(addr, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.Request{Type: wire.Read, Handle: 1, Offset: uint64(from), Length: uint32(size)}
	if _, err := conn.Write(req.Encode()); err != nil {
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

	_, err = io.CopyN(os.Stdout, conn, size)
	return err
}

// dialAndHello connects to addr:port and consumes the NBD hello frame,
// discarding it (the client subcommands don't negotiate size; they
// trust --size/-S).
func dialAndHello(addr string, port int) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		return nil, errx.Wrap(ErrDialUpstream, err)
	}
	hello := make([]byte, wire.HelloSize)
	if _, err := io.ReadFull(conn, hello); err != nil {
		conn.Close()
		return nil, errx.Wrap(ErrDialUpstream, err)
	}
	return conn, nil
}
