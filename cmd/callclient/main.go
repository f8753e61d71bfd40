// callclient is a terminal harness for the call engine: it connects the
// signaling channel for a user and either places a call for a booking or
// waits for one, printing lifecycle events until the call ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/config"
	"github.com/servibook/callkit/internal/media"
	"github.com/servibook/callkit/internal/session"
	"github.com/servibook/callkit/internal/signaling"
)

func main() {
	cfg := config.NewDefaultConfig()

	var (
		userID     string
		token      string
		bookingID  string
		callerType string
		remoteID   string
		turnList   string
		answer     bool
	)
	flag.StringVar(&cfg.SignalingURL, "signal", cfg.SignalingURL, "signaling server websocket URL")
	flag.StringVar(&userID, "user", "", "authenticated user id")
	flag.StringVar(&token, "token", "", "session token")
	flag.StringVar(&bookingID, "booking", "", "booking id to call about")
	flag.StringVar(&callerType, "caller-type", "customer", "customer or provider")
	flag.StringVar(&remoteID, "remote", "", "remote user id")
	flag.StringVar(&turnList, "turn", "", "comma-separated TURN server URLs")
	flag.BoolVar(&answer, "answer", false, "wait for an incoming call instead of placing one")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if turnList != "" {
		cfg.TURNServers = strings.Split(turnList, ",")
		cfg.TURNUsername = os.Getenv("CALLKIT_TURN_USER")
		cfg.TURNCredential = os.Getenv("CALLKIT_TURN_PASS")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if userID == "" || token == "" {
		logger.Fatal("-user and -token are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	media.ProbeSTUN(ctx, logger, cfg.STUNServers)

	pipeline, err := media.NewPipeline(logger)
	if err != nil {
		logger.Fatal("failed to create media pipeline", zap.Error(err))
	}
	provider := media.NewPionProvider(logger, cfg.Timeouts.ICEGather)

	channel := signaling.NewChannel(cfg, logger)
	manager := session.NewManager(cfg, logger, channel, provider, pipeline, userID)
	channel.SetHandler(manager)
	defer func() {
		manager.Close()
		channel.Close()
	}()

	done := make(chan struct{}, 1)
	manager.Events().Subscribe(session.Subscriber{
		OnIncomingCall: func(c session.IncomingCall) {
			fmt.Printf("incoming call from %s (booking %s)\n",
				c.Participants.CallerName, c.BookingID)
			if answer {
				// Callbacks fire on the manager's path; accept from outside it.
				go func() {
					if err := manager.AcceptCall(ctx); err != nil {
						logger.Error("accept failed", zap.Error(err))
					}
				}()
			}
		},
		OnRinging:   func() { fmt.Println("ringing...") },
		OnConnected: func() { fmt.Println("call connected") },
		OnReconnecting: func() {
			fmt.Println("connection degraded, reconnecting...")
		},
		OnEnded: func(e session.CallEnd) {
			fmt.Printf("call ended by %s after %s\n", e.EndedBy, e.Duration)
			done <- struct{}{}
		},
		OnError: func(msg string) {
			fmt.Println(msg)
			done <- struct{}{}
		},
	})

	if err := channel.Initialize(ctx, userID, token); err != nil {
		logger.Fatal("failed to connect signaling channel", zap.Error(err))
	}

	if !answer {
		if bookingID == "" || remoteID == "" {
			logger.Fatal("-booking and -remote are required to place a call")
		}
		err := manager.StartCall(ctx, bookingID, callerType, session.Participants{
			CallerID:   userID,
			ReceiverID: remoteID,
		})
		if err != nil {
			logger.Fatal("call could not be started", zap.Error(err))
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		manager.EndCall()
	}
}
