/*
Package application is a library for building directory servers and
their clients.

Config

AppConfig and ConfigLoader abstract the encoding of configuration files.
TOML is the default; YAML is available under the "yaml" encoding.
Durations are written as strings such as "1h". Key store files are JSON.

Logger

This module implements a generic logging system that can be used by any
application/executable.

ServerBase

ServerBase serves requests over HTTP. Every listening address is either
a TLS protected TCP socket or a unix socket, and permits its own set of
request types. Requests are POSTed as JSON to RequestPath; metrics can be
exposed on a separate plain HTTP address. The configuration is reloaded
on SIGUSR2.
*/
package application
