package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/lkstack/lknet/link"
	"github.com/lkstack/lknet/stack"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	serverAddr = [4]byte{10, 0, 0, 1}
	clientAddr = [4]byte{10, 0, 0, 2}
)

// host attaches a new stack at addr to hub.
func host(hub *link.Hub, addr [4]byte, mtu int, log *slog.Logger) (*stack.Stack, error) {
	port := hub.Attach(addr, mtu, nil)
	st, err := stack.New(stack.Config{Network: port, Logger: log})
	if err != nil {
		return nil, err
	}
	port.SetDeliver(st.Deliver)
	return st, nil
}

// echoCmd implements subcommands.Command for the "echo" command.
type echoCmd struct {
	bytes   int
	port    int
	loss    float64
	corrupt float64
	verbose bool
}

func (*echoCmd) Name() string     { return "echo" }
func (*echoCmd) Synopsis() string { return "transfer data through an echo server and verify it" }
func (*echoCmd) Usage() string {
	return `echo [flags]:
	Connects two stacks over an in-memory hub, sends random bytes through an
	echo server and checks the echoed stream.
`
}

func (e *echoCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&e.bytes, "bytes", 0, "bytes to transfer. Overrides [echo] bytes.")
	f.IntVar(&e.port, "port", 0, "echo server port. Overrides [echo] port.")
	f.Float64Var(&e.loss, "loss", -1, "datagram loss probability. Overrides [link] loss.")
	f.Float64Var(&e.corrupt, "corrupt", -1, "datagram corruption probability. Overrides [link] corrupt.")
	f.BoolVar(&e.verbose, "v", false, "print socket dumps after the transfer.")
}

func (e *echoCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	if e.bytes > 0 {
		cfg.Echo.Bytes = e.bytes
	}
	if e.port > 0 {
		cfg.Echo.Port = uint16(e.port)
	}
	if e.loss >= 0 {
		cfg.Link.Loss = e.loss
	}
	if e.corrupt >= 0 {
		cfg.Link.Corrupt = e.corrupt
	}
	log, err := cfg.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	if err := e.run(ctx, cfg, log); err != nil {
		fmt.Fprintln(os.Stderr, "echo:", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (e *echoCmd) run(ctx context.Context, cfg config, log *slog.Logger) error {
	hub := cfg.hub(log)
	defer hub.Close()
	server, err := host(hub, serverAddr, cfg.Link.MTU, log)
	if err != nil {
		return err
	}
	client, err := host(hub, clientAddr, cfg.Link.MTU, log)
	if err != nil {
		return err
	}

	l, err := server.Open()
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Bind(netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.Echo.Port)); err != nil {
		return err
	}
	if err := l.Listen(); err != nil {
		return err
	}
	c, err := client.Open()
	if err != nil {
		return err
	}
	defer c.Close()

	data := make([]byte, cfg.Echo.Bytes)
	rand.New(rand.NewSource(int64(cfg.Link.Seed))).Read(data)
	start := time.Now()
	if err := c.Connect(netip.AddrPortFrom(netip.AddrFrom4(serverAddr), cfg.Echo.Port)); err != nil {
		return err
	}
	log.Info("echo:connected", slog.String("local", c.LocalAddr().String()), slog.Duration("elapsed", time.Since(start)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveEcho(l) })
	g.Go(func() error {
		_, err := c.Send(data)
		return errors.Wrap(err, "send")
	})
	g.Go(func() error {
		got := make([]byte, 0, len(data))
		buf := make([]byte, 16<<10)
		for len(got) < len(data) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n, err := c.Recv(buf, time.Minute)
			if err != nil {
				return errors.Wrapf(err, "recv after %d bytes", len(got))
			}
			got = append(got, buf[:n]...)
		}
		if !bytes.Equal(got, data) {
			return errors.New("echoed stream differs from sent stream")
		}
		if e.verbose {
			dump(client)
			dump(server)
		}
		return errors.Wrap(c.Close(), "close")
	})
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	st := hub.Stats()
	fmt.Printf("echoed %d bytes in %s (%.1f KiB/s)\n", len(data), elapsed.Round(time.Millisecond),
		float64(len(data))/1024/elapsed.Seconds())
	fmt.Printf("hub: sent %d delivered %d dropped %d corrupted %d invalid %d\n",
		st.Sent, st.Delivered, st.Dropped, st.Corrupted, st.Invalid)
	return nil
}

// serveEcho accepts one connection on l and writes back what it reads until
// the peer closes.
func serveEcho(l *stack.Socket) error {
	c, _, err := l.Accept()
	if err != nil {
		return errors.Wrap(err, "accept")
	}
	defer c.Close()
	buf := make([]byte, 16<<10)
	for {
		n, err := c.Recv(buf, 0)
		if err != nil {
			return errors.Wrap(err, "server recv")
		} else if n == 0 {
			return nil
		}
		if _, err := c.Send(buf[:n]); err != nil {
			return errors.Wrap(err, "server send")
		}
	}
}

func dump(st *stack.Stack) {
	for _, info := range st.Sockets() {
		fmt.Print(info)
	}
}
