// Package mediator implements a DIDComm proxy mediator: a small, always-on
// relay that sits between a local Aries-style agent and a remote,
// cloud-hosted mediator. To the local agent it looks like a mediator; to
// the cloud mediator it looks like a single mediated client.
//
// The package exposes three layers:
//
//   - Connection establishment: the legacy RFC-0160 Connections protocol
//     and the RFC-0434/RFC-0023 out-of-band + DID-exchange protocol,
//     both built on the same Connection/state-machine primitives.
//   - Message handling: envelope inspection, recipient-key demultiplexing,
//     unpack/dispatch/pack, and reply routing.
//   - Mediation coordination: RFC-0211 coordinate-mediation played
//     simultaneously as upstream client and downstream mediator, and
//     RFC-0046 forward relaying.
//
// Basic usage:
//
//	d := mediator.NewDispatcher(logger)
//	reg := mediator.NewRegistry(packer, d, mediator.LogErrors(logger))
//	legacy := mediator.NewLegacyConnections(reg, packer, endpoint)
//	didx := mediator.NewDIDExchange(reg, packer, resolver.NewRegistry(), endpoint)
//	med := mediator.NewMediation(reg, packer)
//	legacy.Register(d)
//	didx.Register(d)
//	med.Register(d)
//	mediator.NewRouting(reg).Register(d)
//
//	admin := mediator.NewAdmin(reg, legacy, didx, med, logger)
//	err := admin.Start(ctx, ":"+port)
package mediator
