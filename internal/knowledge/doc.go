// Package knowledge defines the lookup surface agents answer
// request_knowledge intents from. The relay only consumes the Searcher
// interface; real backends live with the agent embedding the relay. Static
// is the in-memory implementation used by tests and demos.
package knowledge
