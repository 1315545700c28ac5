// Package protocol classifies captured buffers against a hierarchical id
// table and decodes them into trees of named property values.
//
// A Table maps the first discriminator of a buffer to either a leaf entry,
// holding at most one PacketDefinition per direction, or a nested Table that
// reads its own discriminator further into the buffer. Definitions are built
// once at startup and are read-only afterwards, so a Table and a Decoder can
// be shared freely.
package protocol
