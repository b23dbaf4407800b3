// upcall-sim wires an upcall client to a scripted in-process guest agent
// and drives hotplug requests through it. It exists to exercise the full
// stack (handshake, request/response, reconnect) outside a VMM.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/upcall"
	"github.com/tinyrange/upcall/devmgr"
	"github.com/tinyrange/upcall/eventloop"
	"github.com/tinyrange/upcall/internal/trace"
	"github.com/tinyrange/upcall/vsock"
)

// agent plays the guest device manager over streams accepted from the
// backend. With dropAfter > 0 it hangs up after that many served requests
// on each connection, forcing the client through its reconnect path.
type agent struct {
	backend   *vsock.InnerBackend
	dropAfter int

	wg sync.WaitGroup
}

func (a *agent) start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			stream, err := a.backend.Accept()
			if err != nil {
				if !errors.Is(err, vsock.ErrBackendClosed) {
					slog.Error("agent: accept", "err", err)
				}
				return
			}
			if err := a.serve(stream); err != nil {
				slog.Error("agent: connection failed", "err", err)
			}
		}
	}()
}

func (a *agent) stop() {
	a.backend.Close()
	a.wg.Wait()
}

func (a *agent) serve(stream vsock.Stream) error {
	defer stream.Close()

	buf := make([]byte, 64)
	n, err := stream.Read(buf)
	if err != nil {
		return fmt.Errorf("read connect line: %w", err)
	}
	line := strings.TrimSuffix(string(buf[:n]), "\n")
	if !strings.HasPrefix(line, "CONNECT ") {
		return fmt.Errorf("unexpected greeting %q", line)
	}
	if _, err := fmt.Fprintf(stream, "OK %s\n", strings.TrimPrefix(line, "CONNECT ")); err != nil {
		return fmt.Errorf("write greeting reply: %w", err)
	}
	slog.Debug("agent: connection accepted", "greeting", line)

	var served int
	var cpus uint32
	frame := make([]byte, devmgr.DEV_MGR_FRAME_SIZE)
	for {
		if _, err := io.ReadFull(stream, frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		kind, req, err := devmgr.DecodeRequestFrame(frame)
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}

		if kind != devmgr.DEV_MGR_MSG_CONNECT && a.dropAfter > 0 && served >= a.dropAfter {
			slog.Info("agent: dropping connection", "served", served)
			return nil
		}

		var resp upcall.Response
		switch r := req.(type) {
		case *devmgr.AddCPURequest:
			cpus += uint32(r.Count)
			resp = &devmgr.CPUResponse{Kind: kind, APICIDIndex: cpus}
		case *devmgr.DelCPURequest:
			if n := uint32(r.Count); n < cpus {
				cpus -= n
			} else {
				cpus = 0
			}
			resp = &devmgr.CPUResponse{Kind: kind, APICIDIndex: cpus}
		default:
			resp = &devmgr.GenericResponse{Kind: kind}
		}

		out, err := devmgr.EncodeResponseFrame(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if _, err := stream.Write(out); err != nil {
			return fmt.Errorf("write response: %w", err)
		}

		if kind != devmgr.DEV_MGR_MSG_CONNECT {
			served++
			slog.Debug("agent: served request", "type", fmt.Sprintf("%T", req), "served", served)
		}
	}
}

// waitReady polls until the client can take a request, failing fast once
// the session parks in ReconnectError.
func waitReady(client *upcall.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.IsReady() {
			return nil
		}
		if client.State() == upcall.ReconnectError {
			return errors.New("client parked in ReconnectError")
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("client not ready after %v (state %v)", timeout, client.State())
}

func run() error {
	configPath := flag.String("config", "", "YAML client configuration")
	requests := flag.Int("requests", 8, "hotplug requests to submit")
	dropAfter := flag.Int("drop-after", 0, "agent hangs up after N requests per connection (0 disables)")
	tracePath := flag.String("trace", "", "write a binary trace log to this file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *tracePath != "" {
		if err := trace.EnableFile(*tracePath); err != nil {
			return fmt.Errorf("enable trace: %w", err)
		}
		defer trace.Disable()
	}

	cfg := upcall.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if cfg, err = upcall.ParseConfig(data); err != nil {
			return err
		}
	}

	mgr, err := eventloop.NewManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	backend := vsock.NewInnerBackend()
	ag := &agent{backend: backend, dropAfter: *dropAfter}
	ag.start()
	defer ag.stop()

	client := upcall.NewWithConfig(cfg, backend.Connector(), mgr, devmgr.NewService())
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()
	go mgr.Run()

	script := []upcall.Request{
		&devmgr.AddCPURequest{Count: 1},
		&devmgr.AddMMIORequest{Base: 0xd000_0000, Size: 0x1000, IRQ: 33},
		&devmgr.AddPCIRequest{Bus: 0, DevFN: 0x18},
		&devmgr.DelCPURequest{Count: 1},
	}

	done := make(chan upcall.Response, 1)
	var completed, resets int
	for i := 0; i < *requests; i++ {
		req := script[i%len(script)]
		if err := waitReady(client, 5*time.Second); err != nil {
			return err
		}

		err := client.SendRequest(req, func(resp upcall.Response) { done <- resp })
		if errors.Is(err, upcall.ErrNotConnected) || errors.Is(err, upcall.ErrBusy) {
			// Lost the connection between the readiness check and the
			// submit; try this request again.
			i--
			continue
		}
		if err != nil {
			return fmt.Errorf("send request %d: %w", i, err)
		}

		select {
		case resp := <-done:
			switch r := resp.(type) {
			case upcall.Reset:
				resets++
				slog.Warn("request reset by connection loss", "index", i, "type", fmt.Sprintf("%T", req))
			case *devmgr.CPUResponse:
				completed++
				slog.Info("cpu request done", "index", i, "result", r.Result, "apic_index", r.APICIDIndex)
			case *devmgr.GenericResponse:
				completed++
				slog.Info("request done", "index", i, "kind", r.Kind, "result", r.Result)
			default:
				completed++
				slog.Info("request done", "index", i, "type", fmt.Sprintf("%T", resp))
			}
		case <-time.After(5 * time.Second):
			return fmt.Errorf("request %d timed out in state %v", i, client.State())
		}
	}

	slog.Info("simulation complete", "completed", completed, "resets", resets)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "upcall-sim: %v\n", err)
		os.Exit(1)
	}
}
