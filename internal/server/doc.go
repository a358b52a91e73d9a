// Package server assembles the console gateway from configuration: store,
// providers, session registry, broadcaster, gate, and the HTTP listener,
// plus the background reaper, prober, and attempt sweeper loops.
package server
