package riskprov_test

import (
	"context"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/riskprov"
	"github.com/go-digitaltwin/riskprov/provgraph"
	"github.com/go-digitaltwin/riskprov/sink"
	"github.com/go-digitaltwin/riskprov/stream"
)

func ExampleNewCorrelator() {
	ctx := context.Background()
	trades, counterparties, prov := mempubsub.NewTopic(), mempubsub.NewTopic(), mempubsub.NewTopic()
	defer trades.Shutdown(ctx)
	defer counterparties.Shutdown(ctx)
	defer prov.Shutdown(ctx)
	provSub := mempubsub.NewSubscription(prov, time.Minute)
	defer provSub.Shutdown(ctx)

	// Event times are explicit, so the clock that expires windows is pinned
	// next to them.
	at := time.Date(2026, 10, 15, 12, 0, 10, 0, time.UTC)
	c := riskprov.NewCorrelator(
		mempubsub.NewSubscription(trades, time.Minute),
		mempubsub.NewSubscription(counterparties, time.Minute),
		prov,
		riskprov.Options{Window: 50 * time.Second, Clock: func() time.Time { return at }},
	)
	recv, stop := context.WithCancel(ctx)
	done := make(chan error)
	go func() { done <- c.Run(recv, ctx) }()

	_ = trades.Send(ctx, stream.Encode(stream.Event{Kind: stream.Trade, Key: "C1", EntityID: "T1", Timestamp: at}))
	_ = counterparties.Send(ctx, stream.Encode(stream.Event{Kind: stream.Counterparty, Key: "C1", Timestamp: at.Add(2 * time.Second)}))

	msg, err := provSub.Receive(ctx)
	if err != nil {
		panic(err)
	}
	msg.Ack()
	g, err := provgraph.Decode(msg.Body)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s %s: %d nodes, %d edges\n", msg.Metadata[sink.MetadataKind], msg.Metadata[sink.MetadataKey], len(g.Nodes), len(g.Edges))

	stop()
	if err := <-done; err != nil {
		panic(err)
	}
	// Output:
	// risk T1|C1: 6 nodes, 9 edges
}

// A process deploys the correlator and a forwarder side by side. In this
// example, the prov documents are forwarded to stdout.
func ExampleComponent() {
	var provSub *pubsub.Subscription // linked to the riskprov.ProvAspect topic

	stdout := sink.SinkFunc(func(_ context.Context, doc []byte) error {
		_, err := fmt.Printf("%s\n", doc)
		return err
	})
	component.RunProc(func(l *component.L) {
		l.Fork("forwarder", sink.NewForwarder(provSub, stdout, sink.DefaultForwarderOptions()))
	})

	fmt.Print(riskprov.Component.Name)
}
