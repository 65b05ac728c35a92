// Package wire defines the canonical, length-prefix-friendly protobuf
// encoding for snippets and IPC instructions exchanged between gistitd and
// its control-plane peers. Messages are hand-encoded against
// google.golang.org/protobuf/encoding/protowire rather than generated by
// protoc, so the field-number constants in snippet.go and instruction.go
// double as the .proto this module would compile if it ever grew one.
package wire
