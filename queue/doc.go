// Package queue is the message-broker gateway. It carries the task
// assignment and control traffic between the coordinator and its
// workers over named, durable point-to-point queues.
//
// The Queue interface hides the broker behind publish, consume, depth
// inspection and non-destructive peek. AMQP is the production backend;
// Memory backs tests and single-process setups.
package queue
