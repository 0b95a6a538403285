// Package janus is a client for the HTTP/long-poll signaling API of a Janus
// WebRTC gateway.
//
// A Session owns one gateway session, the long-poll loop that receives
// asynchronous pushes for it, and the registry of plugin Handles attached to
// it. Pushes are routed to the session, the handle named by their sender, or
// both, and surface as Events delivered to listeners registered with On.
//
// Plugin bodies and JSEP payloads are opaque: they are marshalled as given and
// returned as raw JSON.
package janus
