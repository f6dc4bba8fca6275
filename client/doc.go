// Package client is a Go client for iprotod servers.
//
// A Client holds one connection. Requests are pipelined: any number of
// goroutines may call Do concurrently and replies are matched by sync id.
// Requests that share a stream id are executed by the server in the order
// they were sent.
//
//	ctx := context.Background()
//	cli, err := client.Dial(ctx, "127.0.0.1:3301")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//	if err := cli.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Addresses use the server listen syntax: host:port, unix/:/path or
// unix:///path.
package client
