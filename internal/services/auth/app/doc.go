// Package server composes and runs the auth process boundary.
//
// It wires storage, the ceremony engine, the session manager, and the HTTP
// API into one process so every identity decision is made from a single
// source of truth.
package server
