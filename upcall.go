// Package upcall implements the host side of the guest-agent control
// channel: a resilient RPC client that a VMM embeds to issue management
// commands (CPU and device hotplug) to a privileged agent in the guest
// kernel.
//
// A Client owns one session to the agent. Submission never blocks on I/O:
// SendRequest validates state under a lock and returns immediately; the
// response, or a synthetic Reset when the connection drops mid-request, is
// delivered later via callback on the event-loop goroutine. At most one
// request is in flight at a time. Connection loss is healed by a
// fixed-interval reconnect with a hard attempt cap; once the cap is hit the
// client parks in ReconnectError and must be rebuilt.
//
// Typical wiring:
//
//	mgr, _ := eventloop.NewManager()
//	backend := vsock.NewInnerBackend()
//	client := upcall.New(backend.Connector(), mgr, devmgr.NewService())
//	if err := client.Connect(); err != nil {
//		return err
//	}
//	go mgr.Run()
//
//	client.SendRequest(&devmgr.AddCPURequest{Count: 2}, func(resp upcall.Response) {
//		// runs on the event-loop goroutine
//	})
package upcall
