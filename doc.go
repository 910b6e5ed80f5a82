// Package rabbitmqclient is a RabbitMQ client that keeps one connection and
// channel alive for long-running publishers and consumers.
//
// A Client is built from a Config, directly or through the chained Builder:
//
//	client, err := rabbitmqclient.NewBuilder().
//	    Host("localhost").
//	    EnableAutoReconnect().
//	    ReconnectDelay(3 * time.Second).
//	    Build(ctx)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	_ = client.DeclareQueueWithTTL(ctx, "jobs", 1, 1, true, false)
//	_ = client.SendText(ctx, "", "jobs", "hello")
//	_ = client.ConsumeMessages(ctx, "jobs", func(body string) {
//	    fmt.Println(body)
//	})
//
// When the broker drops the connection and auto-reconnect is enabled, the
// client waits the reconnect delay and redials, up to five times per outage.
// Once those attempts are used up the client stays disconnected until
// Reconnect is called. Operations attempted without a channel are logged and
// skipped, or return ErrNoChannel when Config.StrictErrors is set.
package rabbitmqclient
