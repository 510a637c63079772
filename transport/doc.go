// Package transport implements notify.Transport for every subscription
// protocol: HTTP and HTTPS POSTs, email over SMTP, and the internal durable
// queue. Mux routes a delivery to the transport registered for its protocol.
//
// Transports make exactly one attempt per call; retries belong to the
// publisher's delivery policy.
package transport
