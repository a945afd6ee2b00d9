package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"socks5-proxy/internal/application"
	"socks5-proxy/internal/auth"
	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/epoll"
	"socks5-proxy/pkg/logger"
)

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func runProxy(cmd *cobra.Command) error {
	log := logger.Setup()

	listen, _ := cmd.Flags().GetString("listen")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")

	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		log.Error().Err(err).Str("listen", listen).Msg("invalid --listen address")
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Error().Err(err).Str("listen", listen).Msg("invalid --listen port")
		return err
	}

	authHandler := authHandlerFor(username, password)

	loop, err := epoll.New()
	if err != nil {
		log.Error().Err(err).Msg("failed to create event loop")
		return err
	}

	proxy, err := application.NewProxyServer(loop, log, authHandler, application.Config{
		Host:        host,
		Port:        port,
		MaxBuf:      defaultMaxBuf,
		ClientStall: defaultClientStall,
		RemoteStall: defaultRemoteStall,
		IdleTimeout: defaultIdleTimeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create proxy server")
		return err
	}

	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		notifier := proxy.Notifier()
		for range sigCh {
			notifier.Signal()
		}
	}()

	if err := proxy.Start(); err != nil {
		log.Error().Err(err).Msg("proxy stopped unexpectedly")
		return err
	}
	return nil
}

// authHandlerFor builds the auth.None handler unless both --username and
// --password were given, in which case it builds auth.UserPass.
func authHandlerFor(username, password string) domain.AuthHandler {
	if username != "" && password != "" {
		return auth.UserPass{Username: username, Password: password}
	}
	return auth.None{}
}
