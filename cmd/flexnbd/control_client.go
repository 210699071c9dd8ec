package main

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/flexnbd/flexnbd/internal/errx"
)

// sendControlCommand dials sock, writes cmd followed by args and a
// blank line, and returns the single reply line, trimmed of its
// trailing newline (spec.md §4.7's "read LF-terminated lines until a
// blank line ... reply convention").
func sendControlCommand(sock, cmd string, args ...string) (string, error) {
	conn, err := net.DialTimeout("unix", sock, 5*time.Second)
	if err != nil {
		return "", errx.Wrap(ErrDialControl, err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", cmd)
	for _, a := range args {
		fmt.Fprintf(conn, "%s\n", a)
	}
	fmt.Fprint(conn, "\n")

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", errx.Wrap(ErrDialControl, err)
	}
	return reply[:len(reply)-1], nil
}
