// Package internal holds build information shared by the executables.
package internal

// Version is the current version of the PrivMX PKI executables.
const Version = "0.3.0"
