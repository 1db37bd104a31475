package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn is a NATS connection with JetStream, optionally backed by an
// in-process server.
type Conn struct {
	embedded *server.Server
	nc       *nats.Conn
	js       jetstream.JetStream
}

// Connect dials an external NATS server.
func Connect(url string) (*Conn, error) {
	nc, err := nats.Connect(url, nats.Name("doctrack"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &Conn{nc: nc, js: js}, nil
}

// StartEmbedded runs a JetStream-enabled NATS server in process on a
// random port and connects to it. storeDir holds JetStream data; empty
// uses the server's default temp location.
func StartEmbedded(storeDir string) (*Conn, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Conn{embedded: ns, nc: nc, js: js}, nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// ClientURL returns the URL of the connected server.
func (c *Conn) ClientURL() string {
	return c.nc.ConnectedUrl()
}

// Close drains the connection and stops the embedded server, if any.
func (c *Conn) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
		c.nc.Close()
	}
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
	}
}
