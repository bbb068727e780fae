// Package logx is notifyd's structured logger: a thin layer over zerolog
// whose level, format and sinks can be swapped while loggers derived from
// it stay valid.
package logx
