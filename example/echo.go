package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Zereker/msgconn"
	"github.com/Zereker/msgconn/noisechannel"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var log = logrus.New()

var codec = msgconn.NewProtoCodec(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }, 0)

// Server tracks live echo sessions.
type Server struct {
	connID int64

	sync.RWMutex
	sessions map[int64]*msgconn.Session[*wrapperspb.StringValue]
}

func newServer() *Server {
	return &Server{sessions: make(map[int64]*msgconn.Session[*wrapperspb.StringValue])}
}

func (s *Server) Handle(ctx context.Context, conn net.Conn, cfg msgconn.Config) {
	connID := atomic.AddInt64(&s.connID, 1)
	logger := msgconn.NewLogrusLogger(log.WithField("connID", connID))

	channel, err := noisechannel.New(noisechannel.Config{Initiator: false})
	if err != nil {
		logger.Error("create noise channel", "error", err)
		_ = conn.Close()
		return
	}

	mc, err := msgconn.NewConn(conn, channel, append(cfg.Options(), msgconn.LoggerOption(logger))...)
	if err != nil {
		logger.Error("create connection", "error", err)
		_ = conn.Close()
		return
	}

	// Echo
	var session *msgconn.Session[*wrapperspb.StringValue]
	session, err = msgconn.NewSession(mc, codec, func(m *wrapperspb.StringValue) error {
		return session.WriteBlocking(ctx, m)
	}, msgconn.OnErrorOption(func(err error) {
		logger.Error("session error", "error", err)
	}))
	if err != nil {
		logger.Error("create session", "error", err)
		_ = mc.Close()
		return
	}

	s.addSession(connID, session)
	defer s.deleteSession(connID)

	_ = session.Run(ctx)
}

func (s *Server) addSession(connID int64, session *msgconn.Session[*wrapperspb.StringValue]) {
	s.Lock()
	defer s.Unlock()

	log.WithFields(logrus.Fields{"connID": connID, "addr": session.Conn().RemoteAddr()}).Info("add new session")
	s.sessions[connID] = session
}

func (s *Server) deleteSession(connID int64) {
	s.Lock()
	defer s.Unlock()

	delete(s.sessions, connID)
}

func loadConfig() (msgconn.Config, error) {
	var cfg msgconn.Config
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return cfg, err
		}
	}
	err := viper.Unmarshal(&cfg)
	return cfg, err
}

func setDefaults() {
	d := msgconn.DefaultConfig()
	viper.SetDefault("addr", "127.0.0.1:12345")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("read_chunk_size", d.ReadChunkSize)
	viper.SetDefault("max_buffer_size", d.MaxBufferSize)
	viper.SetDefault("max_message_size", d.MaxMessageSize)
	viper.SetDefault("send_queue_size", d.SendQueueSize)
	viper.SetDefault("idle_timeout", d.IdleTimeout)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			addr := viper.GetString("addr")
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}

			// Handle graceful shutdown
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				log.Info("shutting down server...")
				_ = listener.Close()
			}()

			log.WithField("addr", listener.Addr().String()).Info("server start")
			server := newServer()
			for {
				conn, err := listener.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				go server.Handle(ctx, conn, cfg)
			}
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send messages to the echo server and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			conn, err := net.Dial("tcp", viper.GetString("addr"))
			if err != nil {
				return err
			}

			channel, err := noisechannel.New(noisechannel.Config{Initiator: true})
			if err != nil {
				_ = conn.Close()
				return err
			}

			mc, err := msgconn.NewConn(conn, channel,
				append(cfg.Options(), msgconn.LoggerOption(msgconn.NewLogrusLogger(log)))...)
			if err != nil {
				_ = conn.Close()
				return err
			}
			defer mc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.IdleTimeout)
			defer cancel()
			for _, text := range args {
				if err := msgconn.Send(ctx, mc, codec, wrapperspb.String(text)); err != nil {
					return err
				}
				reply, err := msgconn.Receive(ctx, mc, codec)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.GetValue())
			}
			return nil
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "msgecho",
		Short:         "Echo protobuf messages over a Noise-secured message connection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(viper.GetString("log_level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "config file (toml, yaml or json)")
	root.PersistentFlags().String("addr", "127.0.0.1:12345", "server address")
	root.PersistentFlags().String("log-level", "info", "log level")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("addr", root.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("MSGECHO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	setDefaults()

	root.AddCommand(serveCmd(), sendCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("msgecho failed")
		os.Exit(1)
	}
}
