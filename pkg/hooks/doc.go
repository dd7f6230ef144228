// Package hooks runs configured shell scripts when agent events fire.
//
// Scripts receive TURNLOOP_HOOK_EVENT and one TURNLOOP_HOOK_DATA_<KEY>
// variable per data field (see EventData).
package hooks
