// Package session keeps a short-lived access token fresh for an API client.
//
// A Manager is one session context, the counterpart of a browser tab. All
// Managers of an origin share one TokenRecord through a Store and learn about
// each other's writes through a Bus. Within a Manager:
//
//   - the Coordinator runs at most one refresh at a time and queues everyone
//     else behind it;
//   - the Scheduler refreshes shortly before the access token expires;
//   - the VisibilityOptimizer pauses the Scheduler while the host is hidden;
//   - the Synchronizer adopts records and logouts from other contexts;
//   - the Transport attaches the token to outgoing requests and handles 401
//     and ban responses.
//
// The access token is decoded without signature verification, for
// scheduling only. Whether a request is authorized is decided by the server.
package session
