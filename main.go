package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tryfix/log"

	"wapp/auth"
	"wapp/config"
	"wapp/db"
	"wapp/logging"
	"wapp/protocol"
	"wapp/server"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal(`invalid configuration`, err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal(`failed to initialize database`, err)
	}
	defer database.Close()

	issuer := auth.NewIssuer(cfg.JWTSecret, time.Duration(cfg.TokenTTL)*time.Hour)
	srv := server.New(database, issuer, logger, &server.Config{
		Port:           cfg.Port,
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedOrigins: cfg.AllowedOrigins,
		AllowReset:     cfg.AllowReset,
		ResetOperator:  cfg.ResetOperator,
	})

	// Start control socket for management commands
	go startControlSocket(srv, cfg.ControlSocket, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info(`received signal, shutting down`, sig)
		srv.Shutdown("maintenance")
		os.Remove(cfg.ControlSocket)
		database.Close()
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal(`server stopped`, err)
	}
}

func startControlSocket(srv *server.Server, path string, logger log.Logger) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logger.Error(`failed to create control socket`, err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	logger.Info(`control socket listening`, path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn, path, logger)
	}
}

// handleControlCommand serves one line: stats, shutdown|REASON or
// reset|PHRASE.
func handleControlCommand(srv *server.Server, conn net.Conn, path string, logger log.Logger) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		conn.Write([]byte(protocol.Reply(false, "Invalid command")))
		return
	}

	switch cmd.Name {
	case "stats":
		conn.Write([]byte(protocol.Reply(true, srv.GetStats())))

	case "reset":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Reset(ctx, cmd.Arg(0)); err != nil {
			conn.Write([]byte(protocol.Reply(false, err.Error())))
			return
		}
		conn.Write([]byte(protocol.Reply(true, "Reset complete")))

	case "shutdown":
		reason := "maintenance"
		if r := cmd.Arg(0); r != "" {
			reason = r
		}

		conn.Write([]byte(protocol.Reply(true, "Shutting down")))
		conn.Close()

		// Give time for response to be sent
		time.Sleep(100 * time.Millisecond)

		logger.Info(`shutdown requested`, reason)
		srv.Shutdown(reason)

		os.Remove(path)
		os.Exit(0)

	default:
		conn.Write([]byte(protocol.Reply(false, "Unknown command")))
	}
}
