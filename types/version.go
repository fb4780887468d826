package types

// Version is the canonical project version. The CLI and the stream
// protocol handshake both report this constant.
const Version = "0.3.0"
