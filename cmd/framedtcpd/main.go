// Command framedtcpd serves the framed TCP protocol on the addresses given in
// the environment until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberinferno/go-framedtcp/cacher"
	"github.com/cyberinferno/go-framedtcp/config"
	"github.com/cyberinferno/go-framedtcp/handlers"
	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/cyberinferno/go-framedtcp/tcpserver"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "framedtcpd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log := logger.NewConsoleLogger(cfg.ServiceName, level)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, closeCache, err := newProfileCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache.Close()

	h := handlers.New(profiles, nil, cfg.CacheTTL, log)
	dispatcher := tcpserver.NewDispatcher()
	if err := h.Register(dispatcher); err != nil {
		return err
	}

	// sessions are torn down by WaitCloseAll, not by the signal context
	svc := tcpserver.NewService(context.Background(), cfg.ServiceName, dispatcher, cfg.ServerConfig(), log)

	if _, err := listenAll(svc, cfg.ListenAddrs, log); err != nil {
		svc.WaitCloseAll()
		return err
	}

	<-ctx.Done()
	log.Info("shutdown requested", logger.Field{Key: "sessions", Value: svc.SessionCount()})
	svc.WaitCloseAll()

	return nil
}

// listenAll binds every address concurrently and returns the bound addresses
// in input order.
func listenAll(svc *tcpserver.Service, addrs []string, log logger.Logger) ([]net.Addr, error) {
	onConnect := func(s *tcpserver.Session) {
		log.Debug("client connected", logger.Field{Key: "session_id", Value: s.ID()}, logger.Field{Key: "sessions", Value: svc.SessionCount()})
	}
	onDisconnect := func(s *tcpserver.Session) {
		fields := []logger.Field{{Key: "session_id", Value: s.ID()}}
		if user, ok := handlers.CurrentUser(s); ok {
			fields = append(fields, logger.Field{Key: "user", Value: user.Name})
		}
		log.Debug("client disconnected", fields...)
	}

	bound := make([]net.Addr, len(addrs))
	var g errgroup.Group
	for i, addr := range addrs {
		g.Go(func() error {
			a, err := svc.StartListen(addr, onConnect, onDisconnect)
			bound[i] = a
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return bound, nil
}

func newProfileCache(ctx context.Context, cfg config.Config) (cacher.Cacher[handlers.Profile], io.Closer, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}

		return cacher.NewRedisCacher[handlers.Profile](client, cfg.ServiceName+":profiles"), client, nil
	default:
		return cacher.NewMemoryCacher[handlers.Profile]("profiles", time.Minute), closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
