// Package protocol defines the sync wire protocol: the capability
// descriptor (Gestalt) each side advertises, the message envelope and its
// closed type catalog, error envelopes, and the JSON and CBOR codecs.
//
// Every message is a Msg with a tid, a type and a version. Replies reuse the
// request's tid so a connection can correlate many in-flight requests:
//
//	req := protocol.NewReqPutMeta(protocol.TenantLedger{Tenant: "t", Ledger: "l"}, metas)
//	res := req.Reply(protocol.ResPutMeta)
//
// Failures travel as error envelopes (Type == TypeError) that echo the
// offending request in Src. Msg.Err converts one into a Go error.
package protocol
