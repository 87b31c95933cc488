// Package amqp carries channels over a RabbitMQ broker.
//
// A server consumes the request queue named after the channel
// ("uglyemail.connect.<name>"). Each dialed channel is a session: the dialer
// declares an exclusive reply queue, and every frame carries the session id
// as its correlation id. Frames are typed:
//
//   - open: starts a session; ReplyTo names the dialer's reply queue
//   - message: one JSON envelope
//   - close: ends the session; an x-close-reason header makes it a
//     disconnect with an error on the receiving end
//
// Losing the broker connection disconnects every session with an error. The
// ConnectionManager reconnects in the background and the server resumes
// consuming once it is back.
package amqp
