package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"

	"github.com/google/subcommands"
	"github.com/lkstack/lknet/stack"
	"golang.org/x/sync/errgroup"
)

// socketsCmd implements subcommands.Command for the "sockets" command.
type socketsCmd struct {
	conns int
}

func (*socketsCmd) Name() string     { return "sockets" }
func (*socketsCmd) Synopsis() string { return "open connections and dump every socket" }
func (*socketsCmd) Usage() string {
	return `sockets [flags]:
	Establishes connections between two stacks and prints the socket
	directory of each.
`
}

func (s *socketsCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.conns, "n", 2, "connections to establish.")
}

func (s *socketsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	log, err := cfg.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	hub := cfg.hub(log)
	defer hub.Close()
	server, err := host(hub, serverAddr, cfg.Link.MTU, log)
	if err == nil {
		var client *stack.Stack
		client, err = host(hub, clientAddr, cfg.Link.MTU, log)
		if err == nil {
			err = s.run(server, client, cfg.Echo.Port)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "sockets:", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *socketsCmd) run(server, client *stack.Stack, port uint16) error {
	l, err := server.Open()
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Bind(netip.AddrPortFrom(netip.AddrFrom4(serverAddr), port)); err != nil {
		return err
	}
	if err := l.Listen(); err != nil {
		return err
	}
	var g errgroup.Group
	accepted := make([]*stack.Socket, s.conns)
	g.Go(func() error {
		for i := range accepted {
			c, _, err := l.Accept()
			if err != nil {
				return err
			}
			accepted[i] = c
		}
		return nil
	})
	remote := netip.AddrPortFrom(netip.AddrFrom4(serverAddr), port)
	for range s.conns {
		c, err := client.Open()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Connect(remote); err != nil {
			return err
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, c := range accepted {
		defer c.Close()
	}
	fmt.Println("== server")
	dump(server)
	fmt.Println("== client")
	dump(client)
	return nil
}
