// Package types holds the version constants shared by the binary and the
// event adapters.
package types

// Version is the skylink release version.
const Version = "0.1.0"

// ContractVersion versions the device event schema published by the
// adapters. It changes only when a field is renamed or removed.
const ContractVersion = "1.0.0"
