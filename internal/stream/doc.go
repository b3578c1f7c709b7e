// Package stream defines the event envelope that agent transports push into
// the gateway. Each event is a small tagged JSON record; the conversation
// package reduces a sequence of them into an entry history.
package stream
