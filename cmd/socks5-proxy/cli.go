package main

import (
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultListen      = ":1080"
	defaultMaxBuf      = 64 * 1024
	defaultClientStall = 5 * time.Second
	defaultRemoteStall = 5 * time.Second
	defaultIdleTimeout = 600 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "socks5-proxy",
	Short: "A single-threaded, nonblocking SOCKS5 proxy",
	Long: `socks5-proxy accepts client connections, performs the SOCKS5
method-negotiation and authentication handshake, and either relays a TCP
byte stream (CONNECT) or translates UDP datagrams (ASSOCIATE). It runs on
a single-threaded epoll reactor with no background goroutines touching
session state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("listen", "l", defaultListen, "address to listen on (host:port)")
	flags.StringP("username", "u", "", "username for RFC 1929 sub-negotiation (requires --password)")
	flags.StringP("password", "p", "", "password for RFC 1929 sub-negotiation (requires --username)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func execute() error {
	return rootCmd.Execute()
}
