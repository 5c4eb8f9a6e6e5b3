/*
Package riskprov correlates trade and counterparty lifecycle events and
records the provenance of every risk record derived from them.

Two subscriptions feed a Correlator: one of trade events and one of
counterparty events (see package stream for the message format). The
Correlator shards events by join key, joins each shard's events over a time
window (package window), versions every entity it sees (package ledger) and
describes each outcome with a provenance graph (package provgraph). Every
graph that describes a complete correlation or an entity update is encoded
as Turtle and published to the prov topic.

Correlations missing either side are degraded: they are counted and logged,
but never published.

Publishing is decoupled from storage. A sink.Forwarder drains the prov topic
into a graph store at its own pace, so a slow or failing store never holds up
the join.

A deployment wires both procedures together, either through Component or by
hand:

	c := riskprov.NewCorrelator(trades, counterparties, prov, riskprov.DefaultOptions())
	f := sink.NewForwarder(provSub, store, sink.DefaultForwarderOptions())
	l.Fork("correlator", c)
	l.Fork("forwarder", f)
*/
package riskprov
