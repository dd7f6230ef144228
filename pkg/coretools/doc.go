// Package coretools provides the built-in file and shell tools.
//
// Every path argument is resolved inside Options.WorkDir; paths that escape it
// are rejected. exec streams its combined output through the progress
// callback while the command runs.
package coretools
