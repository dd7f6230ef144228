// Package gateway exposes agents over a websocket JSON-RPC API.
//
// Clients connect to /ws, answer an HMAC challenge when a shared secret is
// configured, and call agent.prompt, agent.steer, agent.follow_up,
// agent.abort and agent.state with a sessionKey. Events of a watched session
// arrive as {"type":"event"} frames carrying the agent event in data.
// Single-shot calls go to POST /rpc with the secret in X-Turnloop-Secret.
package gateway
