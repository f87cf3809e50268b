// Package main runs a standalone coordination store that speaks the Redis
// protocol subset cdcfleet nodes use (GET, SET with NX/PX/EX, DEL, SADD,
// SREM, SMEMBERS, PING, and EVALSHA/EVAL of the lease refresh script). State is kept in memory only, so it suits local
// clusters and tests; production fleets point REDIS_ADDR at real Redis.
//
// Example usage:
//
//	./coordstore -addr :6379
//	REDIS_ADDR=127.0.0.1:6379 NODE_LISTEN=:8091 ./node
//	REDIS_ADDR=127.0.0.1:6379 NODE_LISTEN=:8092 ./node
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/logging"
	"github.com/dreamware/cdcfleet/internal/storage"
)

var (
	addr      = flag.String("addr", ":6379", "listen address")
	logLevel  = flag.String("log-level", "info", "log level")
	logFormat = flag.String("log-format", "text", "log format: text or json")
)

// logFatal is a variable so tests can intercept fatal errors
var logFatal = logrus.Fatalf

func main() {
	flag.Parse()

	log, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		logFatal("logging: %v", err)
		return
	}

	store := storage.NewMemoryStore()
	server := storage.NewRESPServer(*addr, store, log)
	if err := server.Listen(); err != nil {
		logFatal("listen %s: %v", *addr, err)
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		stats := store.Stats()
		log.WithFields(logrus.Fields{
			"clients": server.Clients(),
			"keys":    stats.Keys,
			"sets":    stats.Sets,
			"bytes":   stats.Bytes,
		}).Info("Shutting down coordination store")
		if err := server.Close(); err != nil {
			log.WithError(err).Warn("Close failed")
		}
	}()

	if err := server.Serve(); err != nil {
		log.WithError(err).Debug("Serve returned")
	}
	log.Info("Coordination store stopped")
}
