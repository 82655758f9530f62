// Package relay lets components talk to each other through *service
// interfaces*, whether they run on the same goroutine, on another one, or
// in another process.
//
// A service interface is a named, versioned set of message ids: requests,
// the responses answering them, broadcasts and attributes. A `Stub`
// implements the interface under a *role*, `Proxy`s attached to the same
// role call it. Neither side blocks: requests, responses and notifications
// are events queued on named `Thread`s and processed one at a time.
//
// ## How it works
//
// Everything starts with a `Bus`, created with `Create`. Start the threads
// you need with `Bus.StartThread`, then register stubs with
// `Bus.RegisterStub` and attach clients with `Bus.AttachProxy`. The bus
// keeps a directory of roles, and connects proxies to the stub of their
// role as soon as both exist, in any order.
//
// A `Client` calls `Proxy.SendRequest` and gets the answer later as a
// `Notification` on the thread of its proxy. Subscribing with
// `Proxy.SetNotification` makes the stub push responses, broadcasts and
// attribute updates to the proxy, which caches the last value of every id.
//
// The stub sees each request through its `StubHandler`. It answers with
// `Stub.SendResponse`, possibly much later, or fails it with
// `Stub.ErrorRequest`.
//
// ## Remote services
//
// Each bus is a *channel*. A role served on another channel is declared
// with `Bus.AttachRemoteService`: events to it are serialised into
// `remote.Message`s and handed to the `Link` of the bus. On the other side,
// `Bus.Receive` (or `Bus.ServeStream` for a byte stream) verifies, decodes
// and routes them. A message failing its checksum or decoding is dropped
// as a whole, nothing is routed.
//
// ## Guarantees
//
// * Events posted to a thread are processed in order, on a single
// goroutine. There is no ordering across threads.
// * A request which cannot reach its stub fails with
// `ResultMessageUndelivered`, requests pending on a stub going away fail
// with `ResultRequestCanceled`.
// * Locks are never held while calling user code, callbacks MAY call back
// into the proxy, the stub or the bus.
package relay
